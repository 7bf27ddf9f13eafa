package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Linzell/BrokeAgent-sub001/internal/dispatch"
)

// Store writes dispatch and consensus outcomes to Postgres for the
// bookkeeping UI. Writes are fire-and-forget so the dispatch path never
// blocks on the database; a lost row is acceptable, a slow dispatch is not.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// RecordDispatch implements dispatch.AuditSink.
func (s *Store) RecordDispatch(_ context.Context, e dispatch.AuditEvent) {
	if s == nil || s.db == nil {
		return
	}
	var provider, model *string
	if e.Backend != nil {
		provider = &e.Backend.Provider
		model = &e.Backend.Model
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.db.Exec(ctx, `
			INSERT INTO dispatch_log (request_id, strategy, provider, model, outcome, reason, latency_ms, attempts, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		`, e.RequestID, e.Strategy, provider, model, e.Outcome, e.Reason, e.LatencyMs, e.Attempts)
		if err != nil {
			slog.Error("audit dispatch insert failed", "error", err, "request_id", e.RequestID)
		}
	}()
}

// RecordConsensus implements consensus.AuditSink.
func (s *Store) RecordConsensus(_ context.Context, question, decision string, votes int, agreementRatio float64) {
	if s == nil || s.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.db.Exec(ctx, `
			INSERT INTO consensus_log (question, decision, votes, agreement_ratio, recorded_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, question, decision, votes, agreementRatio)
		if err != nil {
			slog.Error("audit consensus insert failed", "error", err)
		}
	}()
}
