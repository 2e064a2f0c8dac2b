// Package match scores the similarity of two transaction records.
//
// The score is a weighted sum over four independent field checks (date,
// amount, description, account) normalized into [0,1]. The weights and the
// bag-of-characters description heuristic are load-bearing: the 0.8 duplicate
// threshold used by the detector was tuned against exactly these formulas.
package match

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-ledger/internal/ledger"
)

// Weights of the four field checks. The account slot's contribution to the
// achievable maximum depends on configuration; see Score.
const (
	dateWeight    = 25.0
	amountWeight  = 30.0
	descWeight    = 30.0
	accountWeight = 15.0

	// accountMismatchScore is awarded to a cross-account pair when same-account
	// matching is not required: cross-account similarity is deliberately never
	// discounted to zero.
	accountMismatchScore = 5.0

	// descRatioThreshold is the strict lower bound for the fuzzy description
	// ratio to contribute at all.
	descRatioThreshold = 0.7
)

// Kind distinguishes an exact match from one that needed a tolerance.
type Kind string

const (
	KindExact     Kind = "exact"
	KindTolerance Kind = "tolerance"
)

// Fields is the projection of a transaction the scorer compares.
type Fields struct {
	Date        civil.Date
	Amount      decimal.Decimal
	Description string
	Account     string
}

// FieldsOf projects a ledger record for scoring.
func FieldsOf(t ledger.Transaction) Fields {
	return Fields{Date: t.Date, Amount: t.Amount, Description: t.Description, Account: t.Account}
}

// FieldsOfInput projects an ingestion candidate for scoring.
func FieldsOfInput(in ledger.TransactionInput) Fields {
	return Fields{Date: in.Date, Amount: in.Amount, Description: in.Description, Account: in.Account}
}

// Result is the outcome of scoring one pair.
type Result struct {
	// Similarity is the normalized score in [0,1].
	Similarity float64 `json:"similarity"`

	// MatchedFields lists the fields that contributed, in check order:
	// date, amount, description, account.
	MatchedFields []string `json:"matched_fields"`

	// AmountDiff is the absolute amount difference when the amounts matched
	// only within tolerance.
	AmountDiff *decimal.Decimal `json:"amount_diff,omitempty"`

	// DaysDiff is the date distance in days when the dates matched only
	// within tolerance.
	DaysDiff *int `json:"days_diff,omitempty"`

	MatchType Kind `json:"match_type"`
}

// Score computes the weighted similarity of a and b under cfg.
func Score(a, b Fields, cfg ledger.MatchConfig) Result {
	res := Result{MatchType: KindExact}
	var score, maxScore float64

	// Date: full weight on the same day, a decaying floor-limited score
	// inside the tolerance window, nothing beyond it.
	maxScore += dateWeight
	days := daysApart(a.Date, b.Date)
	switch {
	case days == 0:
		score += dateWeight
		res.MatchedFields = append(res.MatchedFields, "date")
	case days <= cfg.DateToleranceDays:
		s := dateWeight - 3*float64(days)
		if s < 10 {
			s = 10
		}
		score += s
		res.MatchedFields = append(res.MatchedFields, "date")
		res.MatchType = KindTolerance
		d := days
		res.DaysDiff = &d
	}

	// Amount: zero difference scores full weight; otherwise the pair
	// qualifies through either the relative or the fixed tolerance.
	maxScore += amountWeight
	diff := a.Amount.Sub(b.Amount).Abs()
	if diff.IsZero() {
		score += amountWeight
		res.MatchedFields = append(res.MatchedFields, "amount")
	} else {
		rel := relativeDiff(a.Amount, b.Amount, diff)
		if rel <= cfg.AmountTolerance || diff.Cmp(cfg.FixedAmountTolerance) <= 0 {
			s := amountWeight - 100*rel
			if s < 15 {
				s = 15
			}
			score += s
			res.MatchedFields = append(res.MatchedFields, "amount")
			res.MatchType = KindTolerance
			d := diff
			res.AmountDiff = &d
		}
	}

	// Description: exact equality, or a bag-of-characters ratio above the
	// strict 0.7 threshold when fuzzy matching is allowed.
	maxScore += descWeight
	if a.Description == b.Description {
		score += descWeight
		res.MatchedFields = append(res.MatchedFields, "description")
	} else if !cfg.RequireExactDescription {
		if ratio := BagOfCharsRatio(a.Description, b.Description); ratio > descRatioThreshold {
			score += ratio * descWeight
			res.MatchedFields = append(res.MatchedFields, "description")
			if ratio < 1 {
				res.MatchType = KindTolerance
			}
		}
	}

	// Account: exact match earns the full slot. A mismatch earns the flat
	// consolation score when same-account is not required, and that flat
	// score then also caps the slot's contribution to the maximum.
	switch {
	case a.Account == b.Account:
		score += accountWeight
		maxScore += accountWeight
		res.MatchedFields = append(res.MatchedFields, "account")
	case !cfg.RequireSameAccount:
		score += accountMismatchScore
		maxScore += accountMismatchScore
	default:
		maxScore += accountWeight
	}

	res.Similarity = score / maxScore
	return res
}

// AmountsOppose reports whether a and b have equal magnitude and opposite
// sign within the configured tolerances: the amount shape of the two legs of
// one internal transfer.
func AmountsOppose(a, b decimal.Decimal, cfg ledger.MatchConfig) bool {
	if a.Sign() == 0 || b.Sign() == 0 || a.Sign() == b.Sign() {
		return false
	}
	ma, mb := a.Abs(), b.Abs()
	diff := ma.Sub(mb).Abs()
	if diff.IsZero() {
		return true
	}
	rel := relativeDiff(ma, mb, diff)
	return rel <= cfg.AmountTolerance || diff.Cmp(cfg.FixedAmountTolerance) <= 0
}

// BagOfCharsRatio is the share of the longer string's characters that can be
// consumed one-for-one by characters of the shorter string. It is
// order-insensitive and can overstate similarity for anagram-like strings;
// that coarseness is intentional and must not be swapped for an edit-distance
// metric (the duplicate threshold was tuned against this exact formula).
func BagOfCharsRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	shorter, longer := ra, rb
	if len(ra) > len(rb) {
		shorter, longer = rb, ra
	}
	if len(longer) == 0 {
		return 0
	}

	pool := make(map[rune]int, len(longer))
	for _, r := range longer {
		pool[r]++
	}
	matched := 0
	for _, r := range shorter {
		if pool[r] > 0 {
			pool[r]--
			matched++
		}
	}
	return float64(matched) / float64(len(longer))
}

func daysApart(a, b civil.Date) int {
	d := a.DaysSince(b)
	if d < 0 {
		d = -d
	}
	return d
}

// relativeDiff divides the absolute difference by the larger magnitude of the
// two amounts. Callers guarantee diff is non-zero, so the denominator is too.
func relativeDiff(a, b, diff decimal.Decimal) float64 {
	denom := a.Abs()
	if b.Abs().Cmp(denom) > 0 {
		denom = b.Abs()
	}
	rel, _ := diff.Div(denom).Float64()
	return rel
}
