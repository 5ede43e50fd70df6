// Package storage provides data storage implementations for the kpiflow engine.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Registers the postgres driver with database/sql.
)

const (
	// postgresDriver is the database/sql driver name registered by lib/pq.
	postgresDriver = "postgres"
	// connectTimeout bounds the initial connectivity probe in NewConnection.
	connectTimeout = 10 * time.Second
	// healthCheckTimeout bounds HealthCheck when the caller's context has no deadline.
	healthCheckTimeout = 5 * time.Second
)

// ErrNilConfig is returned when a connection is constructed without configuration.
var ErrNilConfig = errors.New("storage config cannot be nil")

// Connection wraps a PostgreSQL connection pool with the pool limits from Config.
//
// The convenience methods cover the slice of database/sql the storage layer
// uses; DB stays exported for callers with needs beyond that, like the
// migration runner in integration tests.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
//
// The pool is configured from cfg (max open/idle connections, lifetimes) and
// probed with a ping before being returned, so a bad URL fails fast at startup
// instead of on the first query.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// ExecContext executes a query that returns no rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, opts)
}

// HealthCheck verifies the database is reachable.
//
// When the caller's context carries no deadline a default timeout is applied,
// so health probes cannot hang on an unresponsive database.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, healthCheckTimeout)

		defer cancel()
	}

	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}
