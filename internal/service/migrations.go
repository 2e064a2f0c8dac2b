package service

import (
	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/reconcile"
	"github.com/dvloznov/finance-ledger/internal/transfer"
)

// migration is a one-time, flag-gated repair pass over the whole ledger.
// Run returns the (possibly replaced) collection, how many records it fixed,
// and per-record errors. Per-record errors never abort the migration: it is
// marked complete regardless, so a persistently malformed record cannot wedge
// startup into an infinite retry loop.
type migration struct {
	Key string
	Run func(s *Service, txs []ledger.Transaction) ([]ledger.Transaction, int, []error)
}

// Migration keys are stable identifiers persisted in the store; renaming one
// would re-run it on every existing ledger.
var migrations = []migration{
	{
		// Historical ledgers predate the category/type correspondence and can
		// carry reserved categories with ordinary types.
		Key: "category_type_sync_v1",
		Run: func(s *Service, txs []ledger.Transaction) ([]ledger.Transaction, int, []error) {
			fixed := reconcile.SyncCategoryTypes(txs)
			return txs, fixed, nil
		},
	},
	{
		// Backfill transfer pairings for records that existed before
		// automatic matching shipped. Safe because matching is idempotent and
		// skips anything already linked.
		Key: "transfer_autolink_v1",
		Run: func(s *Service, txs []ledger.Transaction) ([]ledger.Transaction, int, []error) {
			out, linked := transfer.AutoMatch(txs, s.cfg)
			return out, linked * 2, nil
		},
	},
}
