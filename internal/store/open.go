package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open returns the Repository for opts.Driver. The schema is not applied; call Migrate.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverPostgres:
		pool, err := NewPostgresPool(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(pool), nil
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	case DriverMemory:
		return NewMemoryRepository(), nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
}

// NewPostgresPool establishes the database connection with connection pool configuration.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the %s store", DriverPostgres)
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return pool, nil
}
