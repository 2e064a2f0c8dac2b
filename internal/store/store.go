// Package store defines the durable persistence boundary of the ledger: a
// single collection of transactions replaced wholesale after each mutation,
// plus a small set of named migration-completion flags stored independently
// of the collection.
package store

import (
	"context"

	"github.com/dvloznov/finance-ledger/internal/ledger"
)

// Store is the durable backing of the ledger.
type Store interface {
	// Load reads the whole transaction collection. A backend with no
	// snapshot yet returns an empty collection, not an error.
	Load(ctx context.Context) ([]ledger.Transaction, error)

	// Replace overwrites the whole transaction collection with the given
	// snapshot. It either fully succeeds or leaves the previous snapshot as
	// the source of truth.
	Replace(ctx context.Context, txs []ledger.Transaction) error

	// MigrationDone reports whether the migration identified by key has
	// already completed on this ledger.
	MigrationDone(ctx context.Context, key string) (bool, error)

	// MarkMigrationDone persists the completion flag for key.
	MarkMigrationDone(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
