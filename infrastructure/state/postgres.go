package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresBackend stores dedupe state rows in a single table, one row per
// logical key. It implements PersistenceBackend so the dedupe component can
// use it interchangeably with FileBackend when operators want durable state
// shared across multiple pipeline hosts instead of a local file.
type PostgresBackend struct {
	db    *sqlx.DB
	table string
}

// NewPostgresBackend wraps an already-open sqlx connection. Callers are
// responsible for running the migration that creates `table` (see
// infrastructure/state/migrations).
func NewPostgresBackend(db *sqlx.DB, table string) *PostgresBackend {
	if table == "" {
		table = "dedupe_state"
	}
	return &PostgresBackend{db: db, table: table}
}

// OpenPostgresBackend opens a new connection pool from a DSN and verifies it
// with Ping before returning.
func OpenPostgresBackend(ctx context.Context, dsn, table string) (*PostgresBackend, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresBackend(db, table), nil
}

func (p *PostgresBackend) Save(ctx context.Context, key string, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, p.table)
	_, err := p.db.ExecContext(ctx, query, key, data)
	if err != nil {
		return fmt.Errorf("save key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE key = $1`, p.table)
	var data []byte
	err := p.db.GetContext(ctx, &data, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", key, err)
	}
	return data, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table)
	_, err := p.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ORDER BY key`, p.table)
	var keys []string
	if err := p.db.SelectContext(ctx, &keys, query, prefix+"%"); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (p *PostgresBackend) Close(ctx context.Context) error {
	return p.db.Close()
}
