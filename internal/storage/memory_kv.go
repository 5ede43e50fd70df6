// Package storage provides data storage implementations for the kpiflow engine.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// memorySweepInterval is how often the background sweeper physically
	// removes expired entries. Expired entries are already invisible to
	// reads before the sweep; the sweeper only reclaims memory.
	memorySweepInterval = time.Minute
)

// memoryEntry is a stored value with an optional expiry.
type memoryEntry struct {
	value []byte
	// expiresAt is the zero time for entries without a TTL.
	expiresAt time.Time
}

// live reports whether the entry is visible at the given instant.
func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// InMemoryKV provides thread-safe in-memory key-value storage.
//
// Intended for tests and local development. Entries with a TTL become
// invisible to Get and List once expired and are physically removed by a
// background sweeper goroutine.
type InMemoryKV struct {
	// entries maps keys to stored values with optional expiry
	entries map[string]memoryEntry
	// mutex protects concurrent access to entries and closed
	mutex  sync.RWMutex
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewInMemoryKV creates a new thread-safe in-memory key-value store and
// starts its expiry sweeper.
func NewInMemoryKV() *InMemoryKV {
	kv := &InMemoryKV{
		entries:   make(map[string]memoryEntry),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go kv.runSweeper()

	return kv
}

// Get returns the value stored under key, or found=false when the key is
// absent or expired.
func (kv *InMemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if key == "" {
		return nil, false, ErrEmptyKey
	}

	kv.mutex.RLock()
	defer kv.mutex.RUnlock()

	if kv.closed {
		return nil, false, ErrStoreClosed
	}

	entry, exists := kv.entries[key]
	if !exists || !entry.live(time.Now()) {
		return nil, false, nil
	}

	// Return a copy to prevent external modification
	valueCopy := make([]byte, len(entry.value))
	copy(valueCopy, entry.value)

	return valueCopy, true, nil
}

// Put stores value under key with no expiry.
func (kv *InMemoryKV) Put(ctx context.Context, key string, value []byte) error {
	return kv.put(ctx, key, value, time.Time{})
}

// PutWithTTL stores value under key and arms an expiry. A non-positive ttl
// stores without expiry.
func (kv *InMemoryKV) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return kv.put(ctx, key, value, time.Time{})
	}

	return kv.put(ctx, key, value, time.Now().Add(ttl))
}

func (kv *InMemoryKV) put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if key == "" {
		return ErrEmptyKey
	}

	// Store a copy to prevent external modification
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	if kv.closed {
		return ErrStoreClosed
	}

	kv.entries[key] = memoryEntry{value: valueCopy, expiresAt: expiresAt}

	return nil
}

// Delete removes the entry for key. Deleting an absent key is not an error.
func (kv *InMemoryKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if key == "" {
		return ErrEmptyKey
	}

	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	if kv.closed {
		return ErrStoreClosed
	}

	delete(kv.entries, key)

	return nil
}

// List returns all live entries whose key starts with prefix, sorted by key.
func (kv *InMemoryKV) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kv.mutex.RLock()
	defer kv.mutex.RUnlock()

	if kv.closed {
		return nil, ErrStoreClosed
	}

	now := time.Now()
	results := make([]KeyValue, 0)

	for key, entry := range kv.entries {
		if !strings.HasPrefix(key, prefix) || !entry.live(now) {
			continue
		}

		// Return copies to prevent external modification
		valueCopy := make([]byte, len(entry.value))
		copy(valueCopy, entry.value)

		results = append(results, KeyValue{Key: key, Value: valueCopy})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })

	return results, nil
}

// HealthCheck reports whether the store is usable.
func (kv *InMemoryKV) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kv.mutex.RLock()
	defer kv.mutex.RUnlock()

	if kv.closed {
		return ErrStoreClosed
	}

	return nil
}

// Close stops the sweeper goroutine and marks the store closed.
// This method is safe to call multiple times.
func (kv *InMemoryKV) Close() error {
	kv.closeOnce.Do(func() {
		kv.mutex.Lock()
		kv.closed = true
		kv.mutex.Unlock()

		close(kv.sweepStop)
		<-kv.sweepDone
	})

	return nil
}

// runSweeper is the background goroutine that periodically removes expired
// entries. Runs on a ticker until sweepStop is closed via Close().
func (kv *InMemoryKV) runSweeper() {
	defer close(kv.sweepDone)

	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kv.sweepStop:
			return
		case <-ticker.C:
			kv.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes entries whose TTL lapsed before now.
func (kv *InMemoryKV) sweepExpired(now time.Time) {
	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	for key, entry := range kv.entries {
		if !entry.live(now) {
			delete(kv.entries, key)
		}
	}
}
