// Package storage is the PostgreSQL-backed configuration and state
// store. The core reads operator-owned rows (sources, destinations,
// table syncs, pipelines) and writes back only runtime state: pipeline
// metadata, table schema snapshots with their history, and backfill
// progress.
package storage

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgpipe/pgpipe/internal/client"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore connects to the configuration database with retries and
// returns the store.
func NewStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := client.NewPgxPool(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}

	return &Store{pool: pool, logger: logger}, nil
}

// NewStoreWithPool wraps an existing pool. Used by tests.
func NewStoreWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
