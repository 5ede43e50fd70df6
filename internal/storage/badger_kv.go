// Package storage provides data storage implementations for the kpiflow engine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

const (
	// badgerGCInterval is how often the value-log garbage collector runs.
	badgerGCInterval = 10 * time.Minute
	// badgerGCDiscardRatio reclaims a value-log file once half of it is garbage.
	badgerGCDiscardRatio = 0.5
)

// Compile-time check that BadgerKV satisfies the KV interface.
var _ KV = (*BadgerKV)(nil)

// BadgerKV implements KV on an embedded BadgerDB.
//
// TTLs map directly onto Badger entry TTLs, so expired entries disappear from
// reads without any bookkeeping on our side. A background goroutine runs
// value-log garbage collection to reclaim disk space.
type BadgerKV struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// BadgerConfig holds BadgerDB configuration.
type BadgerConfig struct {
	// Path to store database files.
	Path string
	// InMemory mode (for testing).
	InMemory bool
	// Logger overrides the default JSON logger.
	Logger *slog.Logger
}

// NewBadgerKV opens a BadgerDB-backed key-value store and starts its
// garbage-collection goroutine.
func NewBadgerKV(cfg BadgerConfig) (*BadgerKV, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Records are small JSON documents; a single version per key is enough
	// and Badger's own logger is too chatty for production output.
	opts = opts.
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	kv := &BadgerKV{
		db:     db,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	go kv.runGC()

	return kv, nil
}

// Get returns the value stored under key, or found=false when the key is
// absent or expired.
func (kv *BadgerKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if key == "" {
		return nil, false, ErrEmptyKey
	}

	var value []byte

	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)

		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %q: %w", key, err)
	}

	return value, true, nil
}

// Put stores value under key with no expiry.
func (kv *BadgerKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if key == "" {
		return ErrEmptyKey
	}

	err := kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put key %q: %w", key, err)
	}

	return nil
}

// PutWithTTL stores value under key and arms an expiry. A non-positive ttl
// stores without expiry.
func (kv *BadgerKV) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return kv.Put(ctx, key, value)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if key == "" {
		return ErrEmptyKey
	}

	err := kv.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)

		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to put key %q: %w", key, err)
	}

	return nil
}

// Delete removes the entry for key. Deleting an absent key is not an error.
func (kv *BadgerKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if key == "" {
		return ErrEmptyKey
	}

	err := kv.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}

	return nil
}

// List returns all live entries whose key starts with prefix, sorted by key.
// Badger iterates keys in lexicographic order, so no extra sort is needed.
func (kv *BadgerKV) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]KeyValue, 0)

	err := kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int

		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++

			// Check for context cancellation every 1000 iterations so a
			// large scan cannot block shutdown.
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			item := it.Item()

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			results = append(results, KeyValue{
				Key:   string(item.KeyCopy(nil)),
				Value: value,
			})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %q: %w", prefix, err)
	}

	return results, nil
}

// HealthCheck reports whether the database is open and usable.
func (kv *BadgerKV) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if kv.db.IsClosed() {
		return ErrStoreClosed
	}

	return nil
}

// Close stops the GC goroutine and shuts down BadgerDB cleanly.
// This method is safe to call multiple times.
func (kv *BadgerKV) Close() error {
	var err error

	kv.closeOnce.Do(func() {
		close(kv.gcStop)
		<-kv.gcDone

		err = kv.db.Close()
	})

	return err
}

// runGC is the background goroutine that periodically runs value-log garbage
// collection. Runs on ticker until gcStop is closed via Close().
func (kv *BadgerKV) runGC() {
	defer close(kv.gcDone)

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kv.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to
			// reclaim; loop until it does so backlogs drain in one tick.
			for {
				if err := kv.db.RunValueLogGC(badgerGCDiscardRatio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						kv.logger.Warn("badger value log GC failed",
							slog.String("error", err.Error()))
					}

					break
				}
			}
		}
	}
}
