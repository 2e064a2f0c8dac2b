// Package inmemory is a Store kept entirely in process memory. Data is lost
// on restart - it backs tests and local development, not production use.
package inmemory

import (
	"context"
	"sync"

	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use and always hands out copies, never its internal slice.
type Store struct {
	mu    sync.RWMutex
	txs   []ledger.Transaction
	flags map[string]bool
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{flags: make(map[string]bool)}
}

// Seed replaces the snapshot without going through context plumbing.
// Intended for test setup.
func (s *Store) Seed(txs []ledger.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append([]ledger.Transaction(nil), txs...)
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Transaction, len(s.txs))
	copy(out, s.txs)
	return out, nil
}

// Replace implements store.Store.
func (s *Store) Replace(ctx context.Context, txs []ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append([]ledger.Transaction(nil), txs...)
	return nil
}

// MigrationDone implements store.Store.
func (s *Store) MigrationDone(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[key], nil
}

// MarkMigrationDone implements store.Store.
func (s *Store) MarkMigrationDone(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = true
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// Ensure Store implements the interface.
var _ store.Store = (*Store)(nil)
