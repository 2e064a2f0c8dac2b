// Package gcs persists the ledger in Google Cloud Storage: one JSON snapshot
// object for the whole transaction collection and one small object per
// migration flag. Object writes in GCS are atomic, which gives Replace its
// all-or-nothing contract for free.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/store"
)

const (
	snapshotObject = "ledger/transactions.json"
	flagPrefix     = "ledger/flags"

	writeTimeout = 2 * time.Minute
)

// Store is a GCS-backed store.Store.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewStore creates a store writing under gs://<bucket>/<prefix>/. It assumes
// Application Default Credentials are configured.
func NewStore(ctx context.Context, bucket, prefix string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Load implements store.Store. A missing snapshot object means the ledger has
// never been persisted and loads as empty.
func (s *Store) Load(ctx context.Context) ([]ledger.Transaction, error) {
	obj := s.client.Bucket(s.bucket).Object(s.object(snapshotObject))
	rc, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return []ledger.Transaction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer rc.Close()

	var txs []ledger.Transaction
	if err := json.NewDecoder(rc).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return txs, nil
}

// Replace implements store.Store.
func (s *Store) Replace(ctx context.Context, txs []ledger.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(s.object(snapshotObject))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if err := json.NewEncoder(w).Encode(txs); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	// Close finalizes the upload; the object only becomes visible here.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize snapshot upload: %w", err)
	}
	return nil
}

// MigrationDone implements store.Store.
func (s *Store) MigrationDone(ctx context.Context, key string) (bool, error) {
	obj := s.client.Bucket(s.bucket).Object(s.flagObject(key))
	_, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat flag %q: %w", key, err)
	}
	return true, nil
}

// MarkMigrationDone implements store.Store.
func (s *Store) MarkMigrationDone(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(s.flagObject(key))
	w := obj.NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := io.WriteString(w, time.Now().UTC().Format(time.RFC3339)+"\n"); err != nil {
		_ = w.Close()
		return fmt.Errorf("write flag %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize flag %q: %w", key, err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) object(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) flagObject(key string) string {
	return s.object(path.Join(flagPrefix, key))
}

var _ store.Store = (*Store)(nil)
