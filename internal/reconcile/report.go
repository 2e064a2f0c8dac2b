package reconcile

import (
	"fmt"
	"time"

	"github.com/dvloznov/finance-ledger/internal/ledger"
)

// OrphanedLink is a link field referencing an ID that no longer exists.
type OrphanedLink struct {
	TransactionID string `json:"transaction_id"`
	Field         string `json:"field"`
	Target        string `json:"target"`
}

// OneWayLink is a link whose referenced record does not point back. The
// correct unilateral repair is ambiguous (drop the forward link, or add the
// reverse?), so the reconciler only reports this case and never self-heals.
type OneWayLink struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Field  string `json:"field"`
}

// Report is the read-only link-integrity diagnostic.
type Report struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	Transactions int            `json:"transactions"`
	Orphans      []OrphanedLink `json:"orphans"`
	OneWay       []OneWayLink   `json:"one_way"`
}

// Healthy reports whether the diagnostic found nothing to complain about.
func (r Report) Healthy() bool {
	return len(r.Orphans) == 0 && len(r.OneWay) == 0
}

// Summary renders a one-line human-readable digest for the diagnostic sink.
func (r Report) Summary() string {
	if r.Healthy() {
		return fmt.Sprintf("link integrity: %d transactions, no issues", r.Transactions)
	}
	return fmt.Sprintf("link integrity: %d transactions, %d orphaned links, %d one-way links",
		r.Transactions, len(r.Orphans), len(r.OneWay))
}

// Diagnose enumerates orphaned links and one-directional links across the
// ledger. It never mutates anything: orphans are actively cleaned elsewhere
// by CleanOrphanLinks, and one-way links are surfaced for the operator.
func Diagnose(txs []ledger.Transaction, now time.Time) Report {
	byID := make(map[string]ledger.Transaction, len(txs))
	for _, t := range txs {
		byID[t.ID] = t
	}

	r := Report{
		GeneratedAt:  now,
		Transactions: len(txs),
		Orphans:      make([]OrphanedLink, 0),
		OneWay:       make([]OneWayLink, 0),
	}

	for _, t := range txs {
		for _, l := range []struct{ field, target string }{
			{"reimbursement_id", t.ReimbursementID},
			{"transfer_id", t.TransferID},
		} {
			if l.target == "" {
				continue
			}
			partner, ok := byID[l.target]
			if !ok {
				r.Orphans = append(r.Orphans, OrphanedLink{
					TransactionID: t.ID,
					Field:         l.field,
					Target:        l.target,
				})
				continue
			}
			if partner.ReimbursementID != t.ID && partner.TransferID != t.ID {
				r.OneWay = append(r.OneWay, OneWayLink{
					FromID: t.ID,
					ToID:   l.target,
					Field:  l.field,
				})
			}
		}
	}
	return r
}
