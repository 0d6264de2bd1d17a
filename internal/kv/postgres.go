package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// DefaultPostgresTable is the table entries are stored in.
const DefaultPostgresTable = "sessionguard_kv"

// Postgres is a Store backed by a single Postgres table. Compare-and-swap is
// a conditional statement whose affected-row count reports the outcome.
type Postgres struct {
	db    *sql.DB
	table string
	owned bool
}

// OpenPostgres connects to dsn and ensures the table exists. The returned
// store owns the connection pool and closes it on Close.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := NewPostgres(db, table)
	p.owned = true
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool. The caller keeps ownership of db.
func NewPostgres(db *sql.DB, table string) *Postgres {
	if table == "" {
		table = DefaultPostgresTable
	}
	return &Postgres{db: db, table: pq.QuoteIdentifier(table)}
}

// Migrate creates the backing table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, p.table)
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table)
	err := p.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Set implements Store.
func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table)
	if _, err := p.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, p.table)
	if _, err := p.db.ExecContext(ctx, q, pq.Array(keys)); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// CompareAndSwap implements Store.
func (p *Postgres) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var (
		q    string
		args []any
	)
	switch {
	case prev == nil && next == nil:
		// Swap absent for absent: succeeds iff the key does not exist.
		_, err := p.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}
		return false, err
	case prev == nil:
		q = fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, p.table)
		args = []any{key, next}
	case next == nil:
		q = fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND value = $2`, p.table)
		args = []any{key, prev}
	default:
		q = fmt.Sprintf(`UPDATE %s SET value = $3, updated_at = now() WHERE key = $1 AND value = $2`, p.table)
		args = []any{key, prev, next}
	}

	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("postgres cas %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres cas %s: %w", key, err)
	}
	return n == 1, nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	if p.owned {
		return p.db.Close()
	}
	return nil
}
