// Package archive persists finished sessions to PostgreSQL. It is the only
// durable store in sessionaide: live-session state is memory-only by design,
// and the archive receives one write per session when the manager stops it.
//
// All operations share a single [pgxpool.Pool] and are safe for concurrent
// use.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    started_at       TIMESTAMPTZ  NOT NULL,
    ended_at         TIMESTAMPTZ  NOT NULL,
    session_type     TEXT         NOT NULL DEFAULT '',
    primary_concern  TEXT         NOT NULL DEFAULT '',
    current_approach TEXT         NOT NULL DEFAULT '',
    final_metrics    JSONB,
    summary          JSONB
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlSessionEntries = `
CREATE TABLE IF NOT EXISTS session_entries (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    speaker    TEXT         NOT NULL DEFAULT '',
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_entries_session_timestamp
    ON session_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_session_entries_fts
    ON session_entries USING GIN (to_tsvector('english', text));
`

// Migrate ensures all archive tables and indexes exist. Statements are
// idempotent, so running it on every startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlSessionEntries} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
