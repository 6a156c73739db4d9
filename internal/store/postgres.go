package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres connects a pgx pool to dsn and serves the store through it.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQL, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s, err := newSQL(stdlib.OpenDBFromPool(pool), true, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.closers = append(s.closers, pool.Close)
	logger.Info("postgres store ready", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}
