// Package postgres provides a PostgreSQL-backed implementation of the
// transcript [transcript.Store] interface using pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quranwithtahir/talaqqi/internal/transcript"
)

// Schema is the SQL DDL for the transcript_fragments table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_fragments (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    mode        TEXT NOT NULL DEFAULT '',
    speaker     TEXT NOT NULL,
    text        TEXT NOT NULL,
    at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_fragments_session ON transcript_fragments(session_id, id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [transcript.Store] backed by a PostgreSQL database.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ transcript.Store = (*Store)(nil)

// NewStore creates a new [Store] that uses the given database connection or
// pool. The caller is responsible for calling [Store.Migrate] to ensure the
// schema exists before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// transcript_fragments table and index if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Append implements [transcript.Store.Append].
func (s *Store) Append(ctx context.Context, f transcript.Fragment) error {
	const query = `
		INSERT INTO transcript_fragments (session_id, mode, speaker, text, at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.Exec(ctx, query, f.SessionID, f.Mode, f.Speaker, f.Text, f.At); err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// Recent implements [transcript.Store.Recent]. Fragments are returned oldest
// first; with a positive limit only the latest limit fragments are returned.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Fragment, error) {
	query := `
		SELECT session_id, mode, speaker, text, at
		FROM transcript_fragments
		WHERE session_id = $1
		ORDER BY id`
	args := []any{sessionID}

	if limit > 0 {
		// Take the newest rows, then flip back to append order.
		query = `
			SELECT session_id, mode, speaker, text, at FROM (
				SELECT id, session_id, mode, speaker, text, at
				FROM transcript_fragments
				WHERE session_id = $1
				ORDER BY id DESC
				LIMIT $2
			) latest ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: recent: %w", err)
	}
	defer rows.Close()

	var out []transcript.Fragment
	for rows.Next() {
		var f transcript.Fragment
		if err := rows.Scan(&f.SessionID, &f.Mode, &f.Speaker, &f.Text, &f.At); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: recent: %w", err)
	}
	return out, nil
}

// Ping implements [transcript.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("transcript: ping: %w", err)
	}
	return nil
}
