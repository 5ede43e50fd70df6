// Package storage provides data storage implementations for the kpiflow engine.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

const (
	// cleanupQueryTimeout is the maximum duration for one cleanup pass.
	cleanupQueryTimeout = 30 * time.Second
	// shutdownTimeout is how long Close waits for the cleanup goroutine.
	shutdownTimeout = 5 * time.Second
	// cleanupBatchSize limits rows deleted per batch to avoid long-running locks.
	cleanupBatchSize = 10000
	// batchSleepDuration is the pause between cleanup batches.
	batchSleepDuration = 100 * time.Millisecond
)

var (
	// ErrNoDatabaseConnection is returned when a PostgresKV is constructed without a connection.
	ErrNoDatabaseConnection = errors.New("database connection cannot be nil")
	// ErrInvalidCleanupInterval is returned when the cleanup interval is not positive.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be positive")

	// Compile-time check that PostgresKV satisfies the KV interface.
	_ KV = (*PostgresKV)(nil)
)

// PostgresKV implements KV on a single kv_entries table.
//
// Expired entries are filtered out of reads by the expires_at predicate and
// physically reclaimed by a background cleanup goroutine, so TTL visibility
// never depends on the cleanup cadence.
type PostgresKV struct {
	conn            *Connection
	logger          *slog.Logger
	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// PostgresKVOption configures optional PostgresKV behavior.
type PostgresKVOption func(*PostgresKV)

// WithPostgresLogger overrides the default JSON logger.
func WithPostgresLogger(logger *slog.Logger) PostgresKVOption {
	return func(kv *PostgresKV) {
		if logger != nil {
			kv.logger = logger
		}
	}
}

// NewPostgresKV creates a PostgreSQL-backed key-value store and starts its
// expired-entry cleanup goroutine.
//
// The connection is managed externally via dependency injection; Close stops
// the cleanup goroutine but does not close the connection.
func NewPostgresKV(conn *Connection, cleanupInterval time.Duration, opts ...PostgresKVOption) (*PostgresKV, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cleanupInterval <= 0 {
		return nil, ErrInvalidCleanupInterval
	}

	kv := &PostgresKV{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}), // Signal to stop cleanup goroutine
		cleanupDone:     make(chan struct{}), // Signal cleanup has stopped
	}

	// Apply optional configuration
	for _, opt := range opts {
		opt(kv)
	}

	// Start cleanup goroutine
	go kv.runCleanup()

	kv.logger.Info("Started kv_entries cleanup goroutine", slog.Duration("interval", cleanupInterval))

	return kv, nil
}

// Get returns the value stored under key, or found=false when the key is
// absent or expired.
func (kv *PostgresKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	query := `
		SELECT value
		FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

	var value []byte

	err := kv.conn.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %q: %w", key, err)
	}

	return value, true, nil
}

// Put stores value under key with no expiry, clearing any previous TTL.
func (kv *PostgresKV) Put(ctx context.Context, key string, value []byte) error {
	return kv.put(ctx, key, value, nil)
}

// PutWithTTL stores value under key and arms an expiry. A non-positive ttl
// stores without expiry.
func (kv *PostgresKV) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return kv.put(ctx, key, value, nil)
	}

	expiresAt := time.Now().Add(ttl)

	return kv.put(ctx, key, value, &expiresAt)
}

func (kv *PostgresKV) put(ctx context.Context, key string, value []byte, expiresAt *time.Time) error {
	if key == "" {
		return ErrEmptyKey
	}

	query := `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`

	_, err := kv.conn.ExecContext(ctx, query, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to put key %q: %w", key, err)
	}

	return nil
}

// Delete removes the entry for key. Deleting an absent key is not an error.
func (kv *PostgresKV) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	query := `DELETE FROM kv_entries WHERE key = $1`

	_, err := kv.conn.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}

	return nil
}

// List returns all live entries whose key starts with prefix, sorted by key.
//
// The prefix is translated into a key range instead of a LIKE pattern so that
// identifiers containing pattern metacharacters cannot widen the scan, and so
// the primary key index serves the query.
func (kv *PostgresKV) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	start, end := prefixRange(prefix)

	query := `
		SELECT key, value
		FROM kv_entries
		WHERE key >= $1 AND ($2 = '' OR key < $2)
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY key
	`

	rows, err := kv.conn.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %q: %w", prefix, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	results := make([]KeyValue, 0)

	for rows.Next() {
		var entry KeyValue
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("failed to scan kv entry: %w", err)
		}

		results = append(results, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate kv entries: %w", err)
	}

	return results, nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
func (kv *PostgresKV) HealthCheck(ctx context.Context) error {
	if kv.conn == nil {
		return ErrNoDatabaseConnection
	}

	return kv.conn.HealthCheck(ctx)
}

// Close stops the cleanup goroutine gracefully.
// This method is safe to call multiple times.
//
// Note: Does NOT close the database connection, as the connection is managed
// externally via dependency injection. The caller is responsible for closing
// the connection.
func (kv *PostgresKV) Close() error {
	kv.closeOnce.Do(func() {
		// Signal cleanup goroutine to stop
		close(kv.cleanupStop)

		// Wait for cleanup to finish (with timeout)
		select {
		case <-kv.cleanupDone:
			kv.logger.Info("Cleanup goroutine stopped gracefully")
		case <-time.After(shutdownTimeout):
			kv.logger.Warn("Cleanup goroutine did not stop within timeout")
		}
	})

	return nil
}

// runCleanup is the background goroutine that periodically reclaims expired entries.
// Runs on ticker until cleanupStop channel is closed via Close().
func (kv *PostgresKV) runCleanup() {
	defer close(kv.cleanupDone)

	ticker := time.NewTicker(kv.cleanupInterval)
	defer ticker.Stop()

	// Create a cancellable context for cleanup operations
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-kv.cleanupStop:
			cancel() // cancel parent context ctx
			kv.logger.Info("Stopping kv_entries cleanup goroutine")

			return
		case <-ticker.C:
			// Create context with timeout for cleanup query
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			kv.cleanupExpiredEntries(cleanupCtx)
			cleanupCancel()
		}
	}
}

// cleanupExpiredEntries deletes expired rows from kv_entries in batches.
//
// Batching Strategy:
//   - Deletes up to cleanupBatchSize (10,000) rows per batch to avoid long-running table locks
//   - Loops until no more expired rows exist (handles large backlogs)
//   - Sleeps batchSleepDuration (100ms) between batches to avoid overwhelming database
//   - Respects context cancellation for graceful shutdown mid-cleanup
//
// Failures are logged but don't crash the cleanup goroutine.
func (kv *PostgresKV) cleanupExpiredEntries(ctx context.Context) {
	startTime := time.Now()
	totalDeleted := int64(0)
	batchCount := 0

	// Batch delete loop - continues until no more expired rows exist
	for {
		// Check if context is cancelled (shutdown requested or timeout exceeded)
		if ctx.Err() != nil {
			kv.logger.Info("Cleanup cancelled",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.Duration("duration", time.Since(startTime)))

			return
		}

		// Delete one batch, oldest expired rows first (FIFO)
		query := `
			DELETE FROM kv_entries
			WHERE key IN (
				SELECT key
				FROM kv_entries
				WHERE expires_at < NOW()
				ORDER BY expires_at ASC
				LIMIT $1
			)
		`

		result, err := kv.conn.ExecContext(ctx, query, cleanupBatchSize)
		if err != nil {
			kv.logger.Error("Failed to cleanup expired kv entries",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.String("status", "failed"))

			return
		}

		rowsDeleted, err := result.RowsAffected()
		if err != nil {
			// DELETE succeeded but can't get row count - log as warning with success status
			kv.logger.Warn("Cleanup batch completed but row count unavailable",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.Duration("duration", time.Since(startTime)),
				slog.String("status", "success"))

			return
		}

		totalDeleted += rowsDeleted
		batchCount++

		// If we deleted fewer rows than batch size, we're done (no more expired rows)
		if rowsDeleted < cleanupBatchSize {
			break
		}

		// Pause between batches to avoid overwhelming the database
		time.Sleep(batchSleepDuration)
	}

	if totalDeleted > 0 {
		kv.logger.Info("Cleaned up expired kv entries",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches", batchCount),
			slog.Duration("duration", time.Since(startTime)),
			slog.String("status", "success"))
	}
}
