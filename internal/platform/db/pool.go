package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const (
	connectAttempts = 3
	connectBackoff  = 2 * time.Second
)

// NewPoolWithRetry connects with bounded exponential backoff. An
// unreachable database is retried a small number of times before becoming
// fatal, so a transient hiccup at startup does not abort a scheduled run.
func NewPoolWithRetry(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	var lastErr error
	backoff := connectBackoff
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err := NewPool(ctx, databaseURL, maxConns, minConns)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", connectAttempts, lastErr)
}
