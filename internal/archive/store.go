package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attunehealth/sessionaide/internal/session"
)

// Compile-time interface check.
var (
	_ session.Archiver        = (*Store)(nil)
	_ session.SummaryArchiver = (*Store)(nil)
)

// ErrSessionNotFound is returned by lookups for an unknown session id.
var ErrSessionNotFound = errors.New("archive: session not found")

// SessionRow is one archived session as listed to clients. The transcript is
// fetched separately via [Store.Transcript].
type SessionRow struct {
	ID              string          `json:"id"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	SessionType     string          `json:"session_type,omitempty"`
	PrimaryConcern  string          `json:"primary_concern,omitempty"`
	CurrentApproach string          `json:"current_approach,omitempty"`
	FinalMetrics    json.RawMessage `json:"final_metrics,omitempty"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}

// TranscriptRow is one archived transcript entry.
type TranscriptRow struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the PostgreSQL-backed session archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database reachability. Used by the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ArchiveSession implements [session.Archiver]. The session row and its
// transcript are written in one transaction; a partially archived session
// never becomes visible.
func (s *Store) ArchiveSession(ctx context.Context, rec session.ArchiveRecord) error {
	var metricsJSON []byte
	if rec.FinalMetrics != nil {
		var err error
		metricsJSON, err = json.Marshal(rec.FinalMetrics)
		if err != nil {
			return fmt.Errorf("archive: marshal final metrics: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO sessions
		    (id, started_at, ended_at, session_type, primary_concern, current_approach, final_metrics, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    ended_at      = EXCLUDED.ended_at,
		    final_metrics = EXCLUDED.final_metrics`

	_, err = tx.Exec(ctx, q,
		rec.SessionID,
		rec.StartedAt,
		rec.EndedAt,
		rec.Context.SessionType,
		rec.Context.PrimaryConcern,
		rec.Context.CurrentApproach,
		metricsJSON,
		[]byte(rec.Summary),
	)
	if err != nil {
		return fmt.Errorf("archive: insert session: %w", err)
	}

	if len(rec.Entries) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"session_entries"},
			[]string{"session_id", "speaker", "text", "timestamp"},
			pgx.CopyFromSlice(len(rec.Entries), func(i int) ([]any, error) {
				e := rec.Entries[i]
				return []any{rec.SessionID, e.Speaker, e.Text, e.Timestamp}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("archive: copy entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// WriteSummary attaches a collaborator-produced summary to an archived
// session. Returns [ErrSessionNotFound] for an unknown id.
func (s *Store) WriteSummary(ctx context.Context, sessionID string, summary json.RawMessage) error {
	const q = `UPDATE sessions SET summary = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, []byte(summary))
	if err != nil {
		return fmt.Errorf("archive: write summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// ListSessions returns archived sessions, most recent first. A limit of 0
// means no limit.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	q := `
		SELECT id, started_at, ended_at, session_type, primary_concern, current_approach, final_metrics, summary
		FROM   sessions
		ORDER  BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.EndedAt, &r.SessionType,
			&r.PrimaryConcern, &r.CurrentApproach, &r.FinalMetrics, &r.Summary); err != nil {
			return nil, fmt.Errorf("archive: scan session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	return out, nil
}

// Transcript returns the archived transcript of one session in chronological
// order. Returns [ErrSessionNotFound] for an unknown id.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]TranscriptRow, error) {
	var exists bool
	const existsQ = `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`
	if err := s.pool.QueryRow(ctx, existsQ, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	const q = `
		SELECT speaker, text, timestamp
		FROM   session_entries
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptRow
	for rows.Next() {
		var r TranscriptRow
		if err := rows.Scan(&r.Speaker, &r.Text, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("archive: scan entry: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	return out, nil
}
