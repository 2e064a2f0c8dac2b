// Package reconcile repairs derived-field drift and link integrity across the
// ledger. Every pass is idempotent and safe to run unconditionally; the
// service runs them at load time, and its mutation paths maintain the same
// invariants inline so the passes find nothing to fix between restarts.
package reconcile

import (
	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/transfer"
)

// SyncCategoryTypes forces Type into agreement with a reserved category for
// every record where the two disagree. Records are fixed in place; fixed is
// the number of records changed.
func SyncCategoryTypes(txs []ledger.Transaction) (fixed int) {
	for i := range txs {
		forced, ok := ledger.TypeForReservedCategory(txs[i].Category)
		if ok && txs[i].Type != forced {
			txs[i].Type = forced
			fixed++
		}
	}
	return fixed
}

// CleanOrphanLinks clears any ReimbursementID or TransferID that references a
// record no longer present, along with the derived annotation. A record whose
// links survive intact is left untouched.
func CleanOrphanLinks(txs []ledger.Transaction) (fixed int) {
	present := make(map[string]bool, len(txs))
	for _, t := range txs {
		present[t.ID] = true
	}
	for i := range txs {
		reimbOrphan := txs[i].ReimbursementID != "" && !present[txs[i].ReimbursementID]
		transferOrphan := txs[i].TransferID != "" && !present[txs[i].TransferID]
		if reimbOrphan || transferOrphan {
			transfer.Unlink(&txs[i])
			fixed++
		}
	}
	return fixed
}
