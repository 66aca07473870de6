package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// PostgresBackend implements Backend over a single key/value table. It is an
// optional durability adapter for the persistence contract; entity tables
// built on it get crash-durable storage without needing per-entity schemas.
type PostgresBackend struct {
	db    *sqlx.DB
	table string
}

// OpenPostgres connects to dsn and ensures the backing table exists. table
// defaults to "control_plane_kv" when empty.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresBackend, error) {
	if table == "" {
		table = "control_plane_kv"
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect postgres: %w", err)
	}
	backend := &PostgresBackend{db: db, table: table}
	if err := backend.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (p *PostgresBackend) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, p.table)
	_, err := p.db.ExecContext(ctx, stmt)
	return err
}

func (p *PostgresBackend) Save(ctx context.Context, key string, data []byte) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table)
	_, err := p.db.ExecContext(ctx, stmt, key, data)
	return err
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	stmt := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table)
	var data []byte
	if err := p.db.GetContext(ctx, &data, stmt, key); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table)
	_, err := p.db.ExecContext(ctx, stmt, key)
	return err
}

func (p *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	stmt := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1`, p.table)
	var keys []string
	if err := p.db.SelectContext(ctx, &keys, stmt, prefix+"%"); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *PostgresBackend) Close(_ context.Context) error {
	return p.db.Close()
}
