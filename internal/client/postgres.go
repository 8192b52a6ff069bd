package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgpipe/pgpipe/internal"
)

// NewPgxPool builds a pgx connection pool with connect retries. Used
// for the configuration store, the relational sink and backfill reads.
func NewPgxPool(ctx context.Context, dsn string, log *slog.Logger) (*pgxpool.Pool, error) {
	connCtx, cancel := context.WithTimeout(ctx, internal.PostgresMaxConnectionWait)
	defer cancel()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute

	retryDelay := internal.PostgresInitialRetryDelay
	var pool *pgxpool.Pool

	for i := range internal.PostgresConnectionRetries {
		select {
		case <-connCtx.Done():
			return nil, fmt.Errorf("timeout after %v waiting to connect to Postgres", internal.PostgresMaxConnectionWait)
		default:
		}

		poolCtx, poolCancel := context.WithTimeout(connCtx, internal.PostgresConnectionTimeout)
		pool, err = pgxpool.NewWithConfig(poolCtx, config)
		poolCancel()

		if err == nil {
			pingCtx, pingCancel := context.WithTimeout(connCtx, internal.PostgresConnectionTimeout)
			err = pool.Ping(pingCtx)
			pingCancel()

			if err == nil {
				break
			}

			pool.Close()
			pool = nil
		}

		if i < internal.PostgresConnectionRetries-1 {
			select {
			case <-time.After(retryDelay):
				log.InfoContext(ctx, "retrying postgres connection",
					slog.Int("attempt", i+2),
					slog.Int("max_attempts", internal.PostgresConnectionRetries),
					slog.String("retry_delay", retryDelay.String()))
			case <-connCtx.Done():
				return nil, fmt.Errorf("timeout during retry delay for Postgres: %w", connCtx.Err())
			}
			// Exponential backoff
			retryDelay = min(time.Duration(float64(retryDelay)*1.5), internal.PostgresMaxRetryDelay)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres after %d attempts: %w", internal.PostgresConnectionRetries, err)
	}

	return pool, nil
}
