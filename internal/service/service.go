// Package service orchestrates the ledger: it owns the in-memory collection,
// mirrors it to durable storage after every mutation, and runs duplicate
// detection, transfer matching and integrity reconciliation in the right
// places. There is a single logical writer: all mutating operations serialize
// on the service's lock.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-ledger/internal/dedup"
	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/notify"
	"github.com/dvloznov/finance-ledger/internal/reconcile"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/dvloznov/finance-ledger/internal/transfer"
)

// DefaultInitTimeout bounds how long a concurrent caller waits for another
// caller's initialization before proceeding.
const DefaultInitTimeout = 5 * time.Second

// Service is the ledger consistency engine.
type Service struct {
	store       store.Store
	sink        notify.Sink
	log         zerolog.Logger
	cfg         ledger.MatchConfig
	initTimeout time.Duration

	mu  sync.Mutex
	txs []ledger.Transaction

	// Lazy single-flight initialization: the first caller loads and
	// migrates, concurrent callers wait on initDone with a bounded timeout.
	initMu         sync.Mutex
	initialized    bool
	initInProgress bool
	initDone       chan struct{}

	// matchMu makes transfer-matching passes mutually exclusive; two
	// concurrent passes over the same unlinked records could otherwise
	// produce conflicting links.
	matchMu sync.Mutex

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithSink sets the diagnostic sink reports are published to.
func WithSink(sink notify.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithMatchConfig overrides the default matching tolerances.
func WithMatchConfig(cfg ledger.MatchConfig) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithInitTimeout overrides the bounded single-flight wait.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Service) { s.initTimeout = d }
}

// New creates a Service over the given store. The ledger is loaded lazily on
// first use, not here.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		log:         zerolog.Nop(),
		cfg:         ledger.DefaultMatchConfig(),
		initTimeout: DefaultInitTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensureInit performs lazy single-flight initialization. The first caller
// loads the collection and runs migrations; concurrent callers block until
// that finishes or the bounded wait elapses. A waiter woken by a failed
// leader loops around and attempts initialization itself: proceeding on an
// observed failure would let its next commit overwrite the durable ledger
// with the empty in-memory collection. Only the timeout path proceeds
// uninitialized, as a liveness guard, not a correctness guarantee: a caller
// that stops waiting may briefly observe an empty ledger.
func (s *Service) ensureInit(ctx context.Context) error {
	for {
		s.initMu.Lock()
		if s.initialized {
			s.initMu.Unlock()
			return nil
		}
		if !s.initInProgress {
			break
		}
		done := s.initDone
		s.initMu.Unlock()
		select {
		case <-done:
			continue
		case <-time.After(s.initTimeout):
			s.log.Warn().Dur("timeout", s.initTimeout).
				Msg("Initialization wait timed out, proceeding")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.initInProgress = true
	s.initDone = make(chan struct{})
	s.initMu.Unlock()

	err := s.initialize(ctx)

	s.initMu.Lock()
	s.initInProgress = false
	if err == nil {
		s.initialized = true
	}
	close(s.initDone)
	s.initMu.Unlock()
	return err
}

// initialize loads the durable snapshot, runs gated one-time migrations, then
// the cheap ungated drift passes, and persists if anything changed.
func (s *Service) initialize(ctx context.Context) error {
	txs, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	s.log.Info().Int("transactions", len(txs)).Msg("Loaded ledger")

	changed := false

	for _, m := range migrations {
		done, err := s.store.MigrationDone(ctx, m.Key)
		if err != nil {
			return fmt.Errorf("read migration flag %q: %w", m.Key, err)
		}
		if done {
			continue
		}

		out, fixed, errs := m.Run(s, txs)
		txs = out
		if fixed > 0 {
			changed = true
		}
		for _, e := range errs {
			s.log.Error().Err(e).Str("migration", m.Key).Msg("Migration record error")
		}
		s.log.Info().
			Str("migration", m.Key).
			Int("fixed", fixed).
			Int("errors", len(errs)).
			Msg("Migration completed")

		// Completion is recorded even when individual records errored:
		// forward progress over infinite retries on a malformed record.
		if err := s.store.MarkMigrationDone(ctx, m.Key); err != nil {
			s.log.Warn().Err(err).Str("migration", m.Key).
				Msg("Could not persist migration flag, migration will rerun on next start")
		}
	}

	// Ungated drift passes: cover records that arrived after the one-time
	// migrations ran, e.g. via bulk import.
	if n := reconcile.SyncCategoryTypes(txs); n > 0 {
		changed = true
		s.log.Info().Int("fixed", n).Msg("Corrected category/type drift")
	}
	if n := reconcile.CleanOrphanLinks(txs); n > 0 {
		changed = true
		s.log.Info().Int("fixed", n).Msg("Cleaned orphaned links")
	}

	if changed {
		if err := s.store.Replace(ctx, txs); err != nil {
			return fmt.Errorf("persist reconciled ledger: %w", err)
		}
	}

	s.mu.Lock()
	s.txs = txs
	s.mu.Unlock()
	return nil
}

// commit persists next as the new snapshot and adopts it in memory. On a
// failed write the in-memory state is reloaded from the last durable
// snapshot, so memory and storage never diverge silently. Callers hold s.mu.
func (s *Service) commit(ctx context.Context, next []ledger.Transaction) error {
	if err := s.store.Replace(ctx, next); err != nil {
		if cur, lerr := s.store.Load(ctx); lerr == nil {
			s.txs = cur
		} else {
			s.log.Error().Err(lerr).Msg("Reload after failed persist also failed")
		}
		return fmt.Errorf("persist ledger: %w", err)
	}
	s.txs = next
	return nil
}

// runAutoMatch executes one mutually exclusive transfer-matching pass.
func (s *Service) runAutoMatch(txs []ledger.Transaction) []ledger.Transaction {
	s.matchMu.Lock()
	defer s.matchMu.Unlock()

	out, linked := transfer.AutoMatch(txs, s.cfg)
	if linked > 0 {
		s.log.Info().Int("pairs", linked).Msg("Linked transfer pairs")
	}
	return out
}

func hasTransfers(txs []ledger.Transaction) bool {
	for _, t := range txs {
		if t.Type == ledger.TypeTransfer {
			return true
		}
	}
	return false
}

// snapshot returns a copy of the current collection.
func (s *Service) snapshot() []ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Transaction, len(s.txs))
	copy(out, s.txs)
	return out
}

// DetectDuplicates classifies candidates against the current ledger. cfg nil
// means the service defaults. Pure: nothing is admitted here.
func (s *Service) DetectDuplicates(ctx context.Context, candidates []ledger.TransactionInput, cfg *ledger.MatchConfig) (dedup.Result, error) {
	if err := s.ensureInit(ctx); err != nil {
		return dedup.Result{}, err
	}
	c := s.cfg
	if cfg != nil {
		c = *cfg
	}
	return dedup.Detect(candidates, s.snapshot(), c), nil
}

// StoredDuplicates scans the already-stored ledger pairwise for duplicates
// that slipped in previously. One-off cleanup tooling, not the hot path.
func (s *Service) StoredDuplicates(ctx context.Context, cfg *ledger.MatchConfig) ([]dedup.Pair, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}
	c := s.cfg
	if cfg != nil {
		c = *cfg
	}
	return dedup.FindExistingDuplicates(s.snapshot(), c), nil
}

// ListTransactions returns a copy of the current ledger.
func (s *Service) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// AddTransaction admits a single record.
func (s *Service) AddTransaction(ctx context.Context, in ledger.TransactionInput) (ledger.Transaction, error) {
	added, err := s.AddTransactions(ctx, []ledger.TransactionInput{in})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return added[0], nil
}

// AddTransactions admits a batch of records: each gets an identity and a
// category-corrected type, the batch is appended, transfer matching runs if
// any transfer is involved, and the result is persisted.
func (s *Service) AddTransactions(ctx context.Context, inputs []ledger.TransactionInput) ([]ledger.Transaction, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	addedIDs := make([]string, 0, len(inputs))
	next := make([]ledger.Transaction, len(s.txs), len(s.txs)+len(inputs))
	copy(next, s.txs)
	for _, in := range inputs {
		t := in.Materialize(now)
		next = append(next, t)
		addedIDs = append(addedIDs, t.ID)
	}

	if hasTransfers(next) {
		next = s.runAutoMatch(next)
	}

	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	s.log.Info().Int("added", len(addedIDs)).Msg("Admitted transactions")

	return pickByID(next, addedIDs), nil
}

// Update is a partial update of one transaction. Nil fields are untouched.
type Update struct {
	Date        *civil.Date      `json:"date,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Description *string          `json:"description,omitempty"`
	Account     *string          `json:"account,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Subcategory *string          `json:"subcategory,omitempty"`
	Type        *ledger.Type     `json:"type,omitempty"`
}

// UpdateTransaction applies a partial update. Changing the category always
// recomputes the type: a reserved category forces its type, an ordinary one
// re-derives it from the amount's sign. Transfer matching runs only when the
// update actually flips the record's transfer status. Returns nil when no
// record carries the ID.
func (s *Service) UpdateTransaction(ctx context.Context, id string, upd Update) (*ledger.Transaction, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.txs {
		if s.txs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	next := make([]ledger.Transaction, len(s.txs))
	copy(next, s.txs)

	t := next[idx]
	wasTransfer := t.Type == ledger.TypeTransfer

	applyUpdate(&t, upd)
	t.ModifiedAt = s.now()
	next[idx] = t

	if (t.Type == ledger.TypeTransfer) != wasTransfer {
		next = s.runAutoMatch(next)
	}

	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}

	updated := pickByID(next, []string{id})[0]
	return &updated, nil
}

// DeleteTransaction removes one record, unlinking its partner first. Reports
// whether anything was removed.
func (s *Service) DeleteTransaction(ctx context.Context, id string) (bool, error) {
	n, err := s.DeleteTransactions(ctx, []string{id})
	return n > 0, err
}

// DeleteTransactions removes a batch. Before removal, every surviving partner
// of a deleted record is unlinked; when both legs of a pair die in the same
// batch there is nothing to unlink. Returns the number of records removed.
func (s *Service) DeleteTransactions(ctx context.Context, ids []string) (int, error) {
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	survivors, unlinked := transfer.PlanUnlink(s.txs, set)
	removed := len(s.txs) - len(survivors)
	if removed == 0 {
		return 0, nil
	}

	if err := s.commit(ctx, survivors); err != nil {
		return 0, err
	}
	s.log.Info().Int("removed", removed).Int("unlinked", unlinked).Msg("Deleted transactions")
	return removed, nil
}

// DiagnoseLinkIntegrity produces the read-only link diagnostic and publishes
// it to the sink. Sink failures are logged, never returned: the sink is a
// one-way log.
func (s *Service) DiagnoseLinkIntegrity(ctx context.Context) (reconcile.Report, error) {
	if err := s.ensureInit(ctx); err != nil {
		return reconcile.Report{}, err
	}

	report := reconcile.Diagnose(s.snapshot(), s.now())
	if s.sink != nil {
		if err := s.sink.PublishReport(ctx, report); err != nil {
			s.log.Warn().Err(err).Msg("Could not publish integrity report")
		}
	}
	return report, nil
}

// CleanupResult is the outcome of an on-demand orphan cleanup.
type CleanupResult struct {
	Fixed  int      `json:"fixed"`
	Errors []string `json:"errors"`
}

// ManualCleanup runs the orphaned-link cleanup pass on demand.
func (s *Service) ManualCleanup(ctx context.Context) (CleanupResult, error) {
	if err := s.ensureInit(ctx); err != nil {
		return CleanupResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]ledger.Transaction, len(s.txs))
	copy(next, s.txs)

	res := CleanupResult{Errors: []string{}}
	res.Fixed = reconcile.CleanOrphanLinks(next)
	if res.Fixed == 0 {
		return res, nil
	}

	if err := s.commit(ctx, next); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	s.log.Info().Int("fixed", res.Fixed).Msg("Manual cleanup fixed orphaned links")
	return res, nil
}

func pickByID(txs []ledger.Transaction, ids []string) []ledger.Transaction {
	byID := make(map[string]ledger.Transaction, len(txs))
	for _, t := range txs {
		byID[t.ID] = t
	}
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}
