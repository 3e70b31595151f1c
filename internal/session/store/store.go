// Package store persists the session index in SQLite so sessions can be
// listed without scanning transcript files.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	alias           TEXT NOT NULL DEFAULT '',
	working_dir     TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	transcript_path TEXT NOT NULL DEFAULT '',
	last_turn       INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_alias ON sessions(alias);
`

// Record is one session index row.
type Record struct {
	ID             string    `db:"id" json:"id"`
	Alias          string    `db:"alias" json:"alias,omitempty"`
	WorkingDir     string    `db:"working_dir" json:"workingDir,omitempty"`
	Provider       string    `db:"provider" json:"provider,omitempty"`
	Model          string    `db:"model" json:"model,omitempty"`
	TranscriptPath string    `db:"transcript_path" json:"transcriptPath,omitempty"`
	LastTurn       int       `db:"last_turn" json:"lastTurn"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Store wraps the SQLite session index.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the index database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session index: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces a session row.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, alias, working_dir, provider, model, transcript_path, last_turn, created_at)
		VALUES (:id, :alias, :working_dir, :provider, :model, :transcript_path, :last_turn, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			alias = excluded.alias,
			working_dir = excluded.working_dir,
			provider = excluded.provider,
			model = excluded.model,
			transcript_path = excluded.transcript_path,
			last_turn = excluded.last_turn`, rec)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Rekey moves a row to a new primary key, retiring the old id as alias.
func (s *Store) Rekey(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET id = ?, alias = ? WHERE id = ?`, newID, oldID, oldID)
	if err != nil {
		return fmt.Errorf("failed to rekey session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetLastTurn records the latest completed turn for a session.
func (s *Store) SetLastTurn(ctx context.Context, id string, turn int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_turn = ? WHERE id = ?`, turn, id)
	return err
}

// Get returns one row by id or alias.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM sessions WHERE id = ? OR alias = ? LIMIT 1`, id, id)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns all rows, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return recs, nil
}

// Delete removes a row.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? OR alias = ?`, id, id)
	return err
}

// ListPaths returns the transcript paths currently indexed, used to
// reconcile against the sessions directory.
func (s *Store) ListPaths(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		ID   string `db:"id"`
		Path string `db:"transcript_path"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, transcript_path FROM sessions`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Path] = r.ID
	}
	return out, nil
}
