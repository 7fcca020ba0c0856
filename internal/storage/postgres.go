package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createArtifactsSQL = `CREATE TABLE IF NOT EXISTS artifacts (
        stage      TEXT        NOT NULL,
        id         TEXT        NOT NULL,
        body       JSONB       NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (stage, id)
    );`

	upsertArtifactSQL = `INSERT INTO artifacts (
        stage,
        id,
        body,
        updated_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (stage, id) DO UPDATE
    SET
        body       = EXCLUDED.body,
        updated_at = EXCLUDED.updated_at;`

	getArtifactSQL = `SELECT body FROM artifacts WHERE stage = $1 AND id = $2;`

	listArtifactsSQL = `SELECT id FROM artifacts WHERE stage = $1 ORDER BY id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Pool is the subset of pgxpool.Pool the store relies on.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// PostgresStore keeps artifacts as JSONB rows keyed by (stage, id).
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the artifacts table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createArtifactsSQL); err != nil {
		return fmt.Errorf("migrate artifacts: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Put upserts the artifact body in a single statement.
func (s *PostgresStore) Put(ctx context.Context, stage Stage, id string, v any) error {
	if err := validateKey(stage, id); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", stage, id, err)
	}

	if _, execErr := pool.Exec(ctx, upsertArtifactSQL, string(stage), id, body, time.Now().UTC()); execErr != nil {
		return fmt.Errorf("upsert artifact %s/%s: %w", stage, id, execErr)
	}
	return nil
}

// Get decodes one artifact into out.
func (s *PostgresStore) Get(ctx context.Context, stage Stage, id string, out any) error {
	if err := validateKey(stage, id); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var body []byte
	if scanErr := pool.QueryRow(ctx, getArtifactSQL, string(stage), id).Scan(&body); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return notFound(stage, id)
		}
		return fmt.Errorf("get artifact %s/%s: %w", stage, id, scanErr)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode artifact %s/%s: %w", stage, id, err)
	}
	return nil
}

// List returns the ids stored under a stage.
func (s *PostgresStore) List(ctx context.Context, stage Stage) ([]string, error) {
	if err := validateKey(stage, "list"); err != nil {
		return nil, err
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listArtifactsSQL, string(stage))
	if queryErr != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", stage, queryErr)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

var (
	_ ArtifactStore  = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
