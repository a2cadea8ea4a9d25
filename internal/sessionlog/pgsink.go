package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink mirrors call summaries into Postgres for reporting. It is
// optional; a nil sink is a no-op everywhere it is used.
type PGSink struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

const summaryDDL = `
CREATE TABLE IF NOT EXISTS call_summaries (
	uuid             text PRIMARY KEY,
	session_id       text NOT NULL DEFAULT '',
	client_id        text NOT NULL,
	start_time       timestamptz NOT NULL,
	end_time         timestamptz NOT NULL,
	total_phrases    int NOT NULL,
	intents          text[] NOT NULL,
	handoff_occurred boolean NOT NULL,
	final_phase      text NOT NULL
)`

// NewPGSink connects the pool and ensures the summary table exists.
func NewPGSink(ctx context.Context, dsn string, log *slog.Logger) (*PGSink, error) {
	if log == nil {
		log = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, summaryDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionlog: ensure summary table: %w", err)
	}
	return &PGSink{pool: pool, log: log}, nil
}

// Write upserts one summary. Failures are logged, not propagated; the
// filesystem copy is the source of truth.
func (s *PGSink) Write(ctx context.Context, sum Summary) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_summaries
			(uuid, session_id, client_id, start_time, end_time, total_phrases, intents, handoff_occurred, final_phase)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uuid) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			end_time = EXCLUDED.end_time,
			total_phrases = EXCLUDED.total_phrases,
			intents = EXCLUDED.intents,
			handoff_occurred = EXCLUDED.handoff_occurred,
			final_phase = EXCLUDED.final_phase`,
		sum.UUID, sum.SessionID, sum.ClientID, sum.StartTime, sum.EndTime,
		sum.TotalPhrases, sum.Intents, sum.HandoffOccurred, sum.FinalPhase)
	if err != nil {
		s.log.Warn("sessionlog: postgres summary write failed", "uuid", sum.UUID, "err", err)
	}
}

// Close releases the pool.
func (s *PGSink) Close() {
	if s != nil {
		s.pool.Close()
	}
}
