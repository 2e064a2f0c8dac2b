// Package bigquery persists the ledger in a BigQuery dataset: a transactions
// table replaced wholesale on each mutation and a migration_flags table for
// completion flags. Suited to ledgers that are also queried analytically;
// latency-sensitive deployments should prefer the GCS backend.
package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/store"
)

const (
	transactionsTable = "transactions"
	flagsTable        = "migration_flags"

	// decimalScale is the digits of precision kept when converting BigQuery
	// NUMERIC values back into decimals.
	decimalScale = 9
)

// Store is a BigQuery-backed store.Store.
type Store struct {
	client  *bigquery.Client
	dataset string
}

// NewStore creates a store over <projectID>.<datasetID>. The dataset and its
// tables must already exist.
func NewStore(ctx context.Context, projectID, datasetID string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return &Store{client: client, dataset: datasetID}, nil
}

// transactionRow mirrors the transactions table schema.
type transactionRow struct {
	TransactionID   string     `bigquery:"transaction_id"`
	TransactionDate civil.Date `bigquery:"transaction_date"`
	Amount          *big.Rat   `bigquery:"amount"`
	Description     string     `bigquery:"description"`
	AccountID       string     `bigquery:"account_id"`

	CategoryName    string `bigquery:"category_name"`
	SubcategoryName string `bigquery:"subcategory_name"`
	TxType          string `bigquery:"tx_type"`

	ReimbursementID   bigquery.NullString `bigquery:"reimbursement_id"`
	TransferID        bigquery.NullString `bigquery:"transfer_id"`
	IsTransferPrimary bool                `bigquery:"is_transfer_primary"`
	MatchNote         bigquery.NullString `bigquery:"match_note"`

	AddedTS    time.Time `bigquery:"added_ts"`
	ModifiedTS time.Time `bigquery:"modified_ts"`
}

func toRow(t ledger.Transaction) *transactionRow {
	return &transactionRow{
		TransactionID:     t.ID,
		TransactionDate:   t.Date,
		Amount:            t.Amount.Rat(),
		Description:       t.Description,
		AccountID:         t.Account,
		CategoryName:      t.Category,
		SubcategoryName:   t.Subcategory,
		TxType:            string(t.Type),
		ReimbursementID:   nullString(t.ReimbursementID),
		TransferID:        nullString(t.TransferID),
		IsTransferPrimary: t.IsTransferPrimary,
		MatchNote:         nullString(t.MatchNote),
		AddedTS:           t.AddedAt,
		ModifiedTS:        t.ModifiedAt,
	}
}

func fromRow(r *transactionRow) ledger.Transaction {
	amount := decimal.Zero
	if r.Amount != nil {
		amount = decimal.NewFromBigRat(r.Amount, decimalScale)
	}
	return ledger.Transaction{
		ID:                r.TransactionID,
		Date:              r.TransactionDate,
		Amount:            amount,
		Description:       r.Description,
		Account:           r.AccountID,
		Category:          r.CategoryName,
		Subcategory:       r.SubcategoryName,
		Type:              ledger.Type(r.TxType),
		ReimbursementID:   r.ReimbursementID.StringVal,
		TransferID:        r.TransferID.StringVal,
		IsTransferPrimary: r.IsTransferPrimary,
		MatchNote:         r.MatchNote.StringVal,
		AddedAt:           r.AddedTS,
		ModifiedAt:        r.ModifiedTS,
	}
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// Load implements store.Store. Records come back in stored (insertion) order,
// which the duplicate detector's first-match-wins scan depends on.
func (s *Store) Load(ctx context.Context) ([]ledger.Transaction, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT
			transaction_id, transaction_date, amount, description, account_id,
			category_name, subcategory_name, tx_type,
			reimbursement_id, transfer_id, is_transfer_primary, match_note,
			added_ts, modified_ts
		FROM %s.%s
		ORDER BY added_ts, transaction_id
	`, s.dataset, transactionsTable))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transactions: query read: %w", err)
	}

	txs := make([]ledger.Transaction, 0)
	for {
		var r transactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load transactions: iter next: %w", err)
		}
		txs = append(txs, fromRow(&r))
	}
	return txs, nil
}

// Replace implements store.Store: a DML delete of the whole table followed by
// a batch insert of the new snapshot.
func (s *Store) Replace(ctx context.Context, txs []ledger.Transaction) error {
	if err := s.runDML(ctx, fmt.Sprintf(`DELETE FROM %s.%s WHERE true`, s.dataset, transactionsTable), nil); err != nil {
		return fmt.Errorf("replace: clearing table: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}

	rows := make([]*transactionRow, len(txs))
	for i, t := range txs {
		rows[i] = toRow(t)
	}
	inserter := s.client.Dataset(s.dataset).Table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("replace: inserting rows: %w", err)
	}
	return nil
}

// MigrationDone implements store.Store.
func (s *Store) MigrationDone(ctx context.Context, key string) (bool, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT completed FROM %s.%s WHERE flag_key = @flag_key LIMIT 1
	`, s.dataset, flagsTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "flag_key", Value: key},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("migration flag %q: query read: %w", key, err)
	}

	var row struct {
		Completed bool `bigquery:"completed"`
	}
	err = it.Next(&row)
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration flag %q: iter next: %w", key, err)
	}
	return row.Completed, nil
}

// MarkMigrationDone implements store.Store.
func (s *Store) MarkMigrationDone(ctx context.Context, key string) error {
	err := s.runDML(ctx, fmt.Sprintf(`
		MERGE %s.%s f
		USING (SELECT @flag_key AS flag_key) src
		ON f.flag_key = src.flag_key
		WHEN MATCHED THEN
			UPDATE SET completed = true, completed_ts = @completed_ts
		WHEN NOT MATCHED THEN
			INSERT (flag_key, completed, completed_ts)
			VALUES (@flag_key, true, @completed_ts)
	`, s.dataset, flagsTable), []bigquery.QueryParameter{
		{Name: "flag_key", Value: key},
		{Name: "completed_ts", Value: time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("mark migration %q: %w", key, err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) runDML(ctx context.Context, stmt string, params []bigquery.QueryParameter) error {
	q := s.client.Query(stmt)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
