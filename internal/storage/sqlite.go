package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS artifacts (
	stage      TEXT     NOT NULL,
	id         TEXT     NOT NULL,
	body       TEXT     NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (stage, id)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_updated_at ON artifacts(updated_at);
`

// SQLiteStore keeps artifacts in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the artifacts table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts the artifact body.
func (s *SQLiteStore) Put(ctx context.Context, stage Stage, id string, v any) error {
	if err := validateKey(stage, id); err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", stage, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (stage, id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (stage, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(stage), id, string(body), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert %s/%s: %w", stage, id, err)
	}
	return nil
}

// Get decodes one artifact into out.
func (s *SQLiteStore) Get(ctx context.Context, stage Stage, id string, out any) error {
	if err := validateKey(stage, id); err != nil {
		return err
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM artifacts WHERE stage = ? AND id = ?`, string(stage), id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(stage, id)
		}
		return fmt.Errorf("sqlite: get %s/%s: %w", stage, id, err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode artifact %s/%s: %w", stage, id, err)
	}
	return nil
}

// List returns the ids stored under a stage.
func (s *SQLiteStore) List(ctx context.Context, stage Stage) ([]string, error) {
	if err := validateKey(stage, "list"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM artifacts WHERE stage = ? ORDER BY id`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", stage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ ArtifactStore = (*SQLiteStore)(nil)
