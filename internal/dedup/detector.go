// Package dedup decides whether candidate transactions are duplicates of
// records already on the ledger. It is a pure query layer: the ingestion
// pipeline calls it before committing anything, and nothing here mutates the
// ledger snapshot it is handed.
package dedup

import (
	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/match"
)

// Threshold is the similarity at or above which a pair counts as a duplicate.
const Threshold = 0.8

// Duplicate pairs a rejected candidate with the existing record it collided
// with, plus the scoring detail for audit display.
type Duplicate struct {
	Candidate ledger.TransactionInput `json:"candidate"`
	Existing  ledger.Transaction      `json:"existing"`
	match.Result
}

// Result partitions a candidate batch.
type Result struct {
	Duplicates []Duplicate               `json:"duplicates"`
	Unique     []ledger.TransactionInput `json:"unique_transactions"`
	Config     ledger.MatchConfig        `json:"config"`
}

// Detect classifies each candidate against the existing ledger.
//
// The scan is first-match-wins: candidates are compared against existing
// records in stored order and the first record reaching the threshold is
// reported, not the best-scoring one. Callers relying on which record is
// reported should know this is a deliberate simplicity trade-off.
func Detect(candidates []ledger.TransactionInput, existing []ledger.Transaction, cfg ledger.MatchConfig) Result {
	res := Result{
		Duplicates: make([]Duplicate, 0),
		Unique:     make([]ledger.TransactionInput, 0, len(candidates)),
		Config:     cfg,
	}

	for _, cand := range candidates {
		cf := match.FieldsOfInput(cand)
		dup := false
		for _, ex := range existing {
			score := match.Score(cf, match.FieldsOf(ex), cfg)
			if score.Similarity >= Threshold {
				res.Duplicates = append(res.Duplicates, Duplicate{
					Candidate: cand,
					Existing:  ex,
					Result:    score,
				})
				dup = true
				break
			}
		}
		if !dup {
			res.Unique = append(res.Unique, cand)
		}
	}
	return res
}

// Pair is two stored records that look like the same transaction.
type Pair struct {
	A ledger.Transaction `json:"a"`
	B ledger.Transaction `json:"b"`
	match.Result
}

// FindExistingDuplicates scans the stored ledger pairwise for duplicates that
// slipped past detection earlier. Each record is compared at most once as the
// later element of a pair, so the scan is O(n²) with n(n-1)/2 comparisons.
// Intended for one-off cleanup, not the ingestion hot path.
func FindExistingDuplicates(txs []ledger.Transaction, cfg ledger.MatchConfig) []Pair {
	pairs := make([]Pair, 0)
	for i := 1; i < len(txs); i++ {
		fi := match.FieldsOf(txs[i])
		for j := 0; j < i; j++ {
			score := match.Score(match.FieldsOf(txs[j]), fi, cfg)
			if score.Similarity >= Threshold {
				pairs = append(pairs, Pair{A: txs[j], B: txs[i], Result: score})
			}
		}
	}
	return pairs
}
