package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/notify"
	"github.com/dvloznov/finance-ledger/internal/reconcile"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
)

func date(year int, month time.Month, day int) civil.Date {
	return civil.Date{Year: year, Month: month, Day: day}
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func transferLeg(id string, d civil.Date, amt, account string) ledger.Transaction {
	return ledger.Transaction{
		ID:          id,
		Date:        d,
		Amount:      amount(amt),
		Description: "Transfer",
		Account:     account,
		Category:    ledger.CategoryInternalTransfer,
		Type:        ledger.TypeTransfer,
	}
}

func expense(id string, d civil.Date, amt, desc, account string) ledger.Transaction {
	return ledger.Transaction{
		ID:          id,
		Date:        d,
		Amount:      amount(amt),
		Description: desc,
		Account:     account,
		Category:    "Groceries",
		Type:        ledger.TypeExpense,
	}
}

// seededStore returns an in-memory store holding txs with all one-time
// migrations already marked complete, so tests observe only the behavior they
// trigger themselves.
func seededStore(t *testing.T, txs ...ledger.Transaction) *inmemory.Store {
	t.Helper()
	st := inmemory.NewStore()
	st.Seed(txs)
	ctx := context.Background()
	for _, m := range migrations {
		require.NoError(t, st.MarkMigrationDone(ctx, m.Key))
	}
	return st
}

func TestAddTransactions_AutoMatchesTransfers(t *testing.T) {
	svc := New(seededStore(t))
	ctx := context.Background()

	added, err := svc.AddTransactions(ctx, []ledger.TransactionInput{
		{
			Date:        date(2025, time.March, 1),
			Amount:      amount("-500"),
			Description: "To savings",
			Account:     "Checking",
			Category:    ledger.CategoryInternalTransfer,
		},
		{
			Date:        date(2025, time.March, 2),
			Amount:      amount("500"),
			Description: "From checking",
			Account:     "Savings",
			Category:    ledger.CategoryInternalTransfer,
		},
	})
	require.NoError(t, err)
	require.Len(t, added, 2)

	out, in := added[0], added[1]
	assert.Equal(t, ledger.TypeTransfer, out.Type)
	assert.Equal(t, in.ID, out.ReimbursementID)
	assert.Equal(t, out.ID, in.ReimbursementID)
	assert.True(t, out.IsTransferPrimary)
	assert.False(t, in.IsTransferPrimary)

	// The linked state must be the persisted state.
	stored, err := svc.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].IsLinked())
	assert.True(t, stored[1].IsLinked())
}

func TestAddTransaction_DerivesTypeFromSign(t *testing.T) {
	svc := New(seededStore(t))
	ctx := context.Background()

	spent, err := svc.AddTransaction(ctx, ledger.TransactionInput{
		Date:        date(2025, time.March, 1),
		Amount:      amount("-20"),
		Description: "Groceries",
		Account:     "Checking",
		Category:    "Groceries",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeExpense, spent.Type)
	assert.NotEmpty(t, spent.ID)

	earned, err := svc.AddTransaction(ctx, ledger.TransactionInput{
		Date:        date(2025, time.March, 25),
		Amount:      amount("3000"),
		Description: "Salary",
		Account:     "Checking",
		Category:    "Income",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeIncome, earned.Type)
}

func TestAddTransaction_ReservedCategoryForcesType(t *testing.T) {
	svc := New(seededStore(t))

	added, err := svc.AddTransaction(context.Background(), ledger.TransactionInput{
		Date:        date(2025, time.March, 1),
		Amount:      amount("-500"),
		Description: "To savings",
		Account:     "Checking",
		Category:    ledger.CategoryInternalTransfer,
		Type:        ledger.TypeExpense,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeTransfer, added.Type)
}

func TestUpdateTransaction_CategoryToReservedTriggersMatch(t *testing.T) {
	leg := transferLeg("leg", date(2025, time.March, 1), "-500", "Checking")
	other := ledger.Transaction{
		ID:          "incoming",
		Date:        date(2025, time.March, 2),
		Amount:      amount("500"),
		Description: "Deposit",
		Account:     "Savings",
		Category:    "Misc",
		Type:        ledger.TypeIncome,
	}
	svc := New(seededStore(t, leg, other))
	ctx := context.Background()

	cat := ledger.CategoryInternalTransfer
	updated, err := svc.UpdateTransaction(ctx, "incoming", Update{Category: &cat})
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, ledger.TypeTransfer, updated.Type)
	assert.Equal(t, "leg", updated.ReimbursementID)

	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	for _, tx := range txs {
		assert.True(t, tx.IsLinked(), "expected %s to be linked", tx.ID)
	}
}

func TestUpdateTransaction_CategoryToOrdinaryRecomputesType(t *testing.T) {
	tests := []struct {
		name string
		amt  string
		want ledger.Type
	}{
		{name: "negative amount becomes expense", amt: "-500", want: ledger.TypeExpense},
		{name: "positive amount becomes income", amt: "500", want: ledger.TypeIncome},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := transferLeg("tx", date(2025, time.March, 1), tt.amt, "Checking")
			svc := New(seededStore(t, tx))

			cat := "Misc"
			updated, err := svc.UpdateTransaction(context.Background(), "tx", Update{Category: &cat})
			require.NoError(t, err)
			require.NotNil(t, updated)
			assert.Equal(t, tt.want, updated.Type)
		})
	}
}

func TestUpdateTransaction_ExplicitTypeLosesToReservedCategory(t *testing.T) {
	tx := transferLeg("tx", date(2025, time.March, 1), "-500", "Checking")
	svc := New(seededStore(t, tx))

	typ := ledger.TypeExpense
	updated, err := svc.UpdateTransaction(context.Background(), "tx", Update{Type: &typ})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, ledger.TypeTransfer, updated.Type)
}

func TestUpdateTransaction_NotFound(t *testing.T) {
	svc := New(seededStore(t))

	desc := "nope"
	updated, err := svc.UpdateTransaction(context.Background(), "missing", Update{Description: &desc})
	assert.NoError(t, err)
	assert.Nil(t, updated)
}

func TestUpdateTransaction_SetsModifiedAt(t *testing.T) {
	tx := expense("tx", date(2025, time.March, 1), "-20", "Groceries", "Checking")
	svc := New(seededStore(t, tx))
	then := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return then }

	desc := "Weekly groceries"
	updated, err := svc.UpdateTransaction(context.Background(), "tx", Update{Description: &desc})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "Weekly groceries", updated.Description)
	assert.Equal(t, then, updated.ModifiedAt)
}

func linkedPair() (ledger.Transaction, ledger.Transaction) {
	out := transferLeg("out", date(2025, time.March, 1), "-500", "Checking")
	in := transferLeg("in", date(2025, time.March, 2), "500", "Savings")
	out.ReimbursementID, out.TransferID = "in", "in"
	in.ReimbursementID, in.TransferID = "out", "out"
	out.IsTransferPrimary = true
	out.MatchNote = "Matched with Savings on 2025-03-02"
	in.MatchNote = "Matched with Checking on 2025-03-01"
	return out, in
}

func TestDeleteTransaction_UnlinksPartner(t *testing.T) {
	out, in := linkedPair()
	svc := New(seededStore(t, out, in))
	ctx := context.Background()

	deleted, err := svc.DeleteTransaction(ctx, "out")
	require.NoError(t, err)
	assert.True(t, deleted)

	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "in", txs[0].ID)
	assert.False(t, txs[0].IsLinked())
	assert.Empty(t, txs[0].MatchNote)
}

func TestDeleteTransactions_BothLegs(t *testing.T) {
	out, in := linkedPair()
	svc := New(seededStore(t, out, in))
	ctx := context.Background()

	removed, err := svc.DeleteTransactions(ctx, []string{"out", "in"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDeleteTransactions_MixedBatch(t *testing.T) {
	out, in := linkedPair()
	bill := expense("bill", date(2025, time.March, 3), "-60", "Phone Bill", "Checking")
	svc := New(seededStore(t, out, in, bill))
	ctx := context.Background()

	removed, err := svc.DeleteTransactions(ctx, []string{"out", "bill"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "in", txs[0].ID)
	assert.False(t, txs[0].IsLinked())
}

func TestDeleteTransaction_Missing(t *testing.T) {
	svc := New(seededStore(t, expense("tx", date(2025, time.March, 1), "-20", "Groceries", "Checking")))

	deleted, err := svc.DeleteTransaction(context.Background(), "missing")
	assert.NoError(t, err)
	assert.False(t, deleted)
}

// flakyStore wraps a Store and fails Replace on demand.
type flakyStore struct {
	store.Store
	mu         sync.Mutex
	replaceErr error
}

func (f *flakyStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceErr = err
}

func (f *flakyStore) Replace(ctx context.Context, txs []ledger.Transaction) error {
	f.mu.Lock()
	err := f.replaceErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Replace(ctx, txs)
}

func TestAddTransaction_PersistFailureReloadsSnapshot(t *testing.T) {
	existing := expense("tx", date(2025, time.March, 1), "-20", "Groceries", "Checking")
	flaky := &flakyStore{Store: seededStore(t, existing)}
	svc := New(flaky)
	ctx := context.Background()

	// Force initialization before the store starts failing.
	_, err := svc.ListTransactions(ctx)
	require.NoError(t, err)

	flaky.fail(errors.New("backend down"))

	_, err = svc.AddTransaction(ctx, ledger.TransactionInput{
		Date:        date(2025, time.March, 2),
		Amount:      amount("-30"),
		Description: "Lunch",
		Account:     "Checking",
		Category:    "Eating Out",
	})
	require.Error(t, err)

	// Memory rolled back to the last durable snapshot.
	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx", txs[0].ID)
}

// countingStore counts Load calls to observe initialization behavior.
type countingStore struct {
	store.Store
	loads atomic.Int32
}

func (c *countingStore) Load(ctx context.Context) ([]ledger.Transaction, error) {
	c.loads.Add(1)
	return c.Store.Load(ctx)
}

func TestEnsureInit_SingleFlight(t *testing.T) {
	counting := &countingStore{Store: seededStore(t, expense("tx", date(2025, time.March, 1), "-20", "Groceries", "Checking"))}
	svc := New(counting)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txs, err := svc.ListTransactions(ctx)
			assert.NoError(t, err)
			assert.Len(t, txs, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), counting.loads.Load(), "initialization must run once")
}

func TestInitialize_RunsGatedMigrations(t *testing.T) {
	// A ledger predating both the category/type correspondence and automatic
	// transfer matching: the drifted record is corrected first, then paired.
	drifted := transferLeg("out", date(2025, time.March, 1), "-500", "Checking")
	drifted.Type = ledger.TypeExpense
	counterpart := transferLeg("in", date(2025, time.March, 2), "500", "Savings")

	st := inmemory.NewStore()
	st.Seed([]ledger.Transaction{drifted, counterpart})
	svc := New(st)
	ctx := context.Background()

	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, ledger.TypeTransfer, tx.Type)
		assert.True(t, tx.IsLinked(), "expected %s to be linked", tx.ID)
	}

	for _, m := range migrations {
		done, err := st.MigrationDone(ctx, m.Key)
		require.NoError(t, err)
		assert.True(t, done, "expected migration %s marked complete", m.Key)
	}

	// The migrated state must also have been persisted.
	stored, err := st.Load(ctx)
	require.NoError(t, err)
	assert.True(t, stored[0].IsLinked())
}

// outageStore fails the first Load, holding it open until released so a
// concurrent caller can be parked waiting on it.
type outageStore struct {
	store.Store
	mu      sync.Mutex
	tripped bool
	entered chan struct{}
	release chan struct{}
}

func newOutageStore(inner store.Store) *outageStore {
	return &outageStore{
		Store:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (o *outageStore) Load(ctx context.Context) ([]ledger.Transaction, error) {
	o.mu.Lock()
	first := !o.tripped
	o.tripped = true
	o.mu.Unlock()
	if first {
		close(o.entered)
		<-o.release
		return nil, errors.New("transient backend outage")
	}
	return o.Store.Load(ctx)
}

func TestEnsureInit_WaiterRetriesAfterLeaderFailure(t *testing.T) {
	precious := expense("precious", date(2025, time.March, 1), "-20", "Groceries", "Checking")
	outage := newOutageStore(seededStore(t, precious))
	svc := New(outage, WithInitTimeout(10*time.Second))
	ctx := context.Background()

	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.ListTransactions(ctx)
		leaderErr <- err
	}()
	<-outage.entered

	waiterDone := make(chan error, 1)
	go func() {
		_, err := svc.AddTransaction(ctx, ledger.TransactionInput{
			Date:        date(2025, time.March, 2),
			Amount:      amount("-30"),
			Description: "Lunch",
			Account:     "Checking",
			Category:    "Eating Out",
		})
		waiterDone <- err
	}()

	// Give the waiter time to park on the leader's completion before the
	// leader's Load is allowed to fail.
	time.Sleep(100 * time.Millisecond)
	close(outage.release)

	require.Error(t, <-leaderErr)
	require.NoError(t, <-waiterDone)

	// The waiter re-initialized from the recovered store before committing,
	// so the durable ledger kept the pre-existing record.
	stored, err := outage.Store.Load(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(stored))
	for _, tx := range stored {
		ids = append(ids, tx.ID)
	}
	assert.Contains(t, ids, "precious")
	assert.Len(t, stored, 2)
}

func TestInitialize_MigrationsDoNotRerunAcrossRestarts(t *testing.T) {
	drifted := transferLeg("out", date(2025, time.March, 1), "-500", "Checking")
	drifted.Type = ledger.TypeExpense

	st := inmemory.NewStore()
	st.Seed([]ledger.Transaction{drifted})
	ctx := context.Background()

	_, err := New(st).ListTransactions(ctx)
	require.NoError(t, err)

	// A fresh unlinked transfer pair arriving between restarts must not be
	// backfilled by the one-time autolink migration on the next start.
	out := transferLeg("a", date(2025, time.April, 1), "-200", "Checking")
	in := transferLeg("b", date(2025, time.April, 1), "200", "Savings")
	require.NoError(t, st.Replace(ctx, []ledger.Transaction{out, in}))

	txs, err := New(st).ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.False(t, tx.IsLinked(), "expected %s untouched by completed migrations", tx.ID)
	}
}

func TestInitialize_CleansOrphansUngated(t *testing.T) {
	// Orphan cleanup runs at every load even with all migrations done.
	orphaned := transferLeg("out", date(2025, time.March, 1), "-500", "Checking")
	orphaned.ReimbursementID = "gone"
	svc := New(seededStore(t, orphaned))

	txs, err := svc.ListTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.False(t, txs[0].IsLinked())
}

func TestManualCleanup_NothingToFix(t *testing.T) {
	out, in := linkedPair()
	svc := New(seededStore(t, out, in))

	res, err := svc.ManualCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fixed)
	assert.Empty(t, res.Errors)
}

// captureSink records the reports it receives.
type captureSink struct {
	mu      sync.Mutex
	reports []reconcile.Report
	err     error
}

func (c *captureSink) PublishReport(ctx context.Context, r reconcile.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return c.err
}

var _ notify.Sink = (*captureSink)(nil)

func TestDiagnoseLinkIntegrity_PublishesToSink(t *testing.T) {
	a := transferLeg("a", date(2025, time.March, 1), "-500", "Checking")
	b := transferLeg("b", date(2025, time.March, 2), "500", "Savings")
	a.ReimbursementID = "b" // one-way: b does not point back

	sink := &captureSink{}
	svc := New(seededStore(t, a, b), WithSink(sink))

	report, err := svc.DiagnoseLinkIntegrity(context.Background())
	require.NoError(t, err)
	require.Len(t, report.OneWay, 1)
	assert.Equal(t, "a", report.OneWay[0].FromID)

	require.Len(t, sink.reports, 1)
	assert.Equal(t, report, sink.reports[0])
}

func TestDiagnoseLinkIntegrity_SinkErrorNotSurfaced(t *testing.T) {
	sink := &captureSink{err: errors.New("notion down")}
	svc := New(seededStore(t), WithSink(sink))

	_, err := svc.DiagnoseLinkIntegrity(context.Background())
	assert.NoError(t, err)
}

func TestDetectDuplicates(t *testing.T) {
	existing := expense("tx", date(2025, time.January, 15), "-4.50", "Coffee Shop Purchase", "Checking")
	svc := New(seededStore(t, existing))

	res, err := svc.DetectDuplicates(context.Background(), []ledger.TransactionInput{
		{
			Date:        date(2025, time.January, 15),
			Amount:      amount("-4.50"),
			Description: "Coffee Shop Purchase",
			Account:     "Checking",
		},
		{
			Date:        date(2025, time.February, 2),
			Amount:      amount("-60"),
			Description: "Phone Bill",
			Account:     "Checking",
		},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Duplicates, 1)
	assert.Len(t, res.Unique, 1)

	// Detection is a pure query: nothing was admitted.
	txs, err := svc.ListTransactions(context.Background())
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestDetectDuplicates_ConfigOverride(t *testing.T) {
	existing := expense("tx", date(2025, time.January, 15), "-4.50", "Coffee Shop Purchase", "Checking")
	svc := New(seededStore(t, existing))

	strict := ledger.DefaultMatchConfig()
	strict.DateToleranceDays = 0

	res, err := svc.DetectDuplicates(context.Background(), []ledger.TransactionInput{
		{
			Date:        date(2025, time.January, 17),
			Amount:      amount("-4.50"),
			Description: "Coffee Shop Purchase",
			Account:     "Checking",
		},
	}, &strict)
	require.NoError(t, err)
	assert.Empty(t, res.Duplicates)
	assert.Equal(t, strict, res.Config)
}

func TestStoredDuplicates(t *testing.T) {
	svc := New(seededStore(t,
		expense("a", date(2025, time.January, 15), "-4.50", "Coffee Shop Purchase", "Checking"),
		expense("b", date(2025, time.February, 2), "-60", "Phone Bill", "Checking"),
		expense("c", date(2025, time.January, 16), "-4.50", "Coffee Shop Purchase", "Checking"),
	))

	pairs, err := svc.StoredDuplicates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].A.ID)
	assert.Equal(t, "c", pairs[0].B.ID)
}
