// Package transfer pairs the two legs of an internal transfer and maintains
// the link fields through deletions.
package transfer

import (
	"fmt"

	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/match"
)

// AutoMatch scans transfer-typed records that are not yet linked and pairs
// them. Two records pair when their accounts differ, their amounts are equal
// in magnitude with opposite sign within the configured amount tolerances,
// and their dates fall inside the transfer window.
//
// Both legs of a pair are updated in the same pass: each receives the other's
// ID in ReimbursementID and TransferID, and the negative-amount leg is marked
// primary. Records already carrying a link are never reconsidered, which
// makes a second pass over a fully linked ledger a no-op. Only link fields
// and the derived MatchNote are touched.
//
// The returned slice is a copy; linked is the number of pairs created.
func AutoMatch(txs []ledger.Transaction, cfg ledger.MatchConfig) (out []ledger.Transaction, linked int) {
	out = make([]ledger.Transaction, len(txs))
	copy(out, txs)

	for i := range out {
		if !candidateLeg(out[i]) {
			continue
		}
		for j := i + 1; j < len(out); j++ {
			if !candidateLeg(out[j]) {
				continue
			}
			if !legsPair(out[i], out[j], cfg) {
				continue
			}
			link(&out[i], &out[j])
			linked++
			break
		}
	}
	return out, linked
}

func candidateLeg(t ledger.Transaction) bool {
	return t.Type == ledger.TypeTransfer && t.ReimbursementID == ""
}

func legsPair(a, b ledger.Transaction, cfg ledger.MatchConfig) bool {
	if a.Account == b.Account {
		return false
	}
	if !match.AmountsOppose(a.Amount, b.Amount, cfg) {
		return false
	}
	days := a.Date.DaysSince(b.Date)
	if days < 0 {
		days = -days
	}
	return days <= cfg.TransferWindowDays
}

func link(a, b *ledger.Transaction) {
	a.ReimbursementID = b.ID
	a.TransferID = b.ID
	b.ReimbursementID = a.ID
	b.TransferID = a.ID

	a.IsTransferPrimary = a.Amount.IsNegative()
	b.IsTransferPrimary = b.Amount.IsNegative()

	a.MatchNote = matchNote(*b)
	b.MatchNote = matchNote(*a)
}

func matchNote(partner ledger.Transaction) string {
	return fmt.Sprintf("Matched with %s on %s", partner.Account, partner.Date)
}

// PlanUnlink prepares a batch deletion: for every surviving record whose
// ReimbursementID or TransferID points at a record being deleted, the link
// fields and the derived annotation are cleared. When both legs of a pair are
// deleted in the same batch neither needs unlinking, and records unrelated to
// the deleted set pass through untouched.
//
// The returned slice is a copy containing only the survivors; unlinked is the
// number of survivors whose links were cleared.
func PlanUnlink(txs []ledger.Transaction, deleteIDs map[string]bool) (survivors []ledger.Transaction, unlinked int) {
	survivors = make([]ledger.Transaction, 0, len(txs))
	for _, t := range txs {
		if deleteIDs[t.ID] {
			continue
		}
		if deleteIDs[t.ReimbursementID] || deleteIDs[t.TransferID] {
			Unlink(&t)
			unlinked++
		}
		survivors = append(survivors, t)
	}
	return survivors, unlinked
}

// Unlink clears the link fields and the annotation derived from them.
func Unlink(t *ledger.Transaction) {
	t.ReimbursementID = ""
	t.TransferID = ""
	t.IsTransferPrimary = false
	t.MatchNote = ""
}
