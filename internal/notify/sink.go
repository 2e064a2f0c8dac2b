// Package notify delivers human-readable diagnostic reports to a one-way
// sink. The core never reads anything back from a sink; delivery failures are
// surfaced but never block ledger operations.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-ledger/internal/reconcile"
)

// Sink receives link-integrity reports.
type Sink interface {
	// PublishReport delivers one report. Implementations treat the report as
	// append-only diagnostics, not state.
	PublishReport(ctx context.Context, r reconcile.Report) error
}

// LogSink writes reports to the structured log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// PublishReport implements Sink.
func (s *LogSink) PublishReport(ctx context.Context, r reconcile.Report) error {
	evt := s.log.Info()
	if !r.Healthy() {
		evt = s.log.Warn()
	}
	evt.
		Time("generated_at", r.GeneratedAt).
		Int("transactions", r.Transactions).
		Int("orphaned_links", len(r.Orphans)).
		Int("one_way_links", len(r.OneWay)).
		Msg(r.Summary())

	for _, o := range r.Orphans {
		s.log.Warn().
			Str("transaction_id", o.TransactionID).
			Str("field", o.Field).
			Str("target", o.Target).
			Msg("Orphaned link")
	}
	for _, l := range r.OneWay {
		s.log.Warn().
			Str("from_id", l.FromID).
			Str("to_id", l.ToID).
			Str("field", l.Field).
			Msg("One-directional link")
	}
	return nil
}

var _ Sink = (*LogSink)(nil)
