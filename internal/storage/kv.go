// Package storage provides the flat key-value persistence layer for the
// kpiflow engine.
//
// Three backends implement the KV interface: an in-memory map for tests and
// local development, PostgreSQL for deployments that already run one, and
// BadgerDB for single-node embedded persistence. The Store type layers the
// domain record operations (series, jobs, packages, idempotency markers,
// error reports) on top of whichever backend is configured.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyKey is returned when an operation is attempted with an empty key.
	ErrEmptyKey = errors.New("key cannot be empty")
	// ErrStoreClosed is returned when an operation is attempted on a closed store.
	ErrStoreClosed = errors.New("key-value store is closed")
	// ErrNoKeyValueStore is returned when a Store is constructed without a backend.
	ErrNoKeyValueStore = errors.New("key-value backend cannot be nil")
)

// KeyValue is a single entry returned by prefix scans.
type KeyValue struct {
	Key   string
	Value []byte
}

// KV is the minimal key-value contract the engine needs from a backend.
//
// There are no multi-key transactions and no compare-and-swap. Get → mutate →
// Put sequences race under concurrency (last-writer-wins); callers tolerate
// that by keeping every record self-contained and recomputable.
type KV interface {
	// Get returns the value stored under key. found is false when the key
	// is absent or its TTL has lapsed.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key with no expiry, overwriting any existing
	// entry (and clearing any previous TTL).
	Put(ctx context.Context, key string, value []byte) error

	// PutWithTTL stores value under key and arms an expiry. Entries past
	// their TTL behave as absent from Get and List even before the backend
	// physically reclaims them. A non-positive ttl stores without expiry.
	PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns all live entries whose key starts with prefix, sorted by
	// key. An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]KeyValue, error)

	// HealthCheck verifies the backend is reachable and ready.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources. Safe to call multiple times.
	Close() error
}

// prefixRange converts a key prefix into a [start, end) scan range.
//
// Backends that scan ordered keys (PostgreSQL) use the range form instead of
// LIKE so that caller-supplied identifiers containing pattern metacharacters
// cannot widen the scan. An empty prefix yields an unbounded range (end "").
func prefixRange(prefix string) (start, end string) {
	if prefix == "" {
		return "", ""
	}

	raw := []byte(prefix)
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] < 0xff {
			raw[i]++

			return prefix, string(raw[:i+1])
		}
	}

	// Prefix is all 0xff bytes → no upper bound.
	return prefix, ""
}
