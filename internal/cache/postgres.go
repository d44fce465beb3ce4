package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Postgres-backed Store. All namespaces share the
// protocol_cache tables; each Type is a row-level namespace.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store over an existing pgx pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the cache tables if missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS protocol_cache_kv (
			cache_type TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (cache_type, key)
		);
		CREATE TABLE IF NOT EXISTS protocol_cache_set (
			cache_type TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (cache_type, value)
		);
		CREATE TABLE IF NOT EXISTS protocol_cache_meta (
			cache_type TEXT PRIMARY KEY,
			last_queried TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

// Get returns the value stored under (typ, key).
func (s *PGStore) Get(ctx context.Context, typ Type, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM protocol_cache_kv WHERE cache_type = $1 AND key = $2`,
		string(typ), key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetKeyed stores value under (typ, key).
func (s *PGStore) SetKeyed(ctx context.Context, typ Type, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO protocol_cache_kv (cache_type, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_type, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, string(typ), key, value)
	return err
}

// Add inserts value into the namespace set if absent.
func (s *PGStore) Add(ctx context.Context, typ Type, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO protocol_cache_set (cache_type, value)
		VALUES ($1, $2)
		ON CONFLICT (cache_type, value) DO NOTHING
	`, string(typ), value)
	return err
}

// Members returns all values in the namespace set, oldest first.
func (s *PGStore) Members(ctx context.Context, typ Type) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT value FROM protocol_cache_set WHERE cache_type = $1 ORDER BY created_at, value`,
		string(typ),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// Count returns the namespace set size.
func (s *PGStore) Count(ctx context.Context, typ Type) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM protocol_cache_set WHERE cache_type = $1`,
		string(typ),
	).Scan(&count)
	return count, err
}

// LastQueried returns when the namespace was last refreshed remotely.
// The zero time is returned for namespaces never refreshed.
func (s *PGStore) LastQueried(ctx context.Context, typ Type) (time.Time, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_queried FROM protocol_cache_meta WHERE cache_type = $1`,
		string(typ),
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return last, err
}

// SetLastQueried records a remote refresh of the namespace.
func (s *PGStore) SetLastQueried(ctx context.Context, typ Type, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO protocol_cache_meta (cache_type, last_queried)
		VALUES ($1, $2)
		ON CONFLICT (cache_type)
		DO UPDATE SET last_queried = EXCLUDED.last_queried
	`, string(typ), at)
	return err
}
