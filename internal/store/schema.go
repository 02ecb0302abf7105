package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — calls and their turns
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id     TEXT         PRIMARY KEY,
    archived_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    turn_count  INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_archived_at
    ON calls (archived_at);
`

const ddlCallTurns = `
CREATE TABLE IF NOT EXISTS call_turns (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
    seq         INT          NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    intent      TEXT         NOT NULL DEFAULT '',
    sentiment   TEXT         NOT NULL DEFAULT '',
    cancelled   BOOLEAN      NOT NULL DEFAULT false,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_id
    ON call_turns (call_id);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_seq
    ON call_turns (call_id, seq);

CREATE INDEX IF NOT EXISTS idx_call_turns_fts
    ON call_turns USING GIN (to_tsvector('english', text));
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlCallTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
