package service

import "github.com/dvloznov/finance-ledger/internal/ledger"

// applyUpdate merges a partial update into a record and keeps the
// category/type invariant intact: a category change always recomputes the
// type (reserved categories force theirs, ordinary ones re-derive it from the
// amount's sign), and an explicit type that disagrees with a reserved
// category loses.
func applyUpdate(t *ledger.Transaction, upd Update) {
	if upd.Date != nil {
		t.Date = *upd.Date
	}
	if upd.Amount != nil {
		t.Amount = *upd.Amount
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Account != nil {
		t.Account = *upd.Account
	}
	if upd.Subcategory != nil {
		t.Subcategory = *upd.Subcategory
	}

	categoryChanged := upd.Category != nil && *upd.Category != t.Category
	if upd.Category != nil {
		t.Category = *upd.Category
	}
	if upd.Type != nil {
		t.Type = *upd.Type
	}

	if categoryChanged {
		t.Type = ledger.TypeForCategory(t.Category, t.Amount)
	} else if forced, ok := ledger.TypeForReservedCategory(t.Category); ok && t.Type != forced {
		t.Type = forced
	}
}
