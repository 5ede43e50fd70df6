package storage

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations.
func setupTestDatabase(ctx context.Context, t *testing.T) (*pgcontainer.PostgresContainer, *Connection) {
	t.Helper()

	// Create PostgreSQL container
	postgresContainer, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("kpiflow_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second), // Extended timeout for dev containers
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	if postgresContainer == nil {
		t.Fatalf("postgres container is nil")
	}

	// Get connection string
	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	// Create connection
	config := &Config{
		Backend:         BackendPostgres,
		databaseURL:     connStr,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}

	conn, err := NewConnection(config) //nolint:contextcheck
	if err != nil {
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to connect to test database: %v", err)
	}

	// Run migrations using golang-migrate
	if err := runTestMigrations(conn.DB); err != nil {
		_ = conn.Close()
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to run test migrations: %v", err)
	}

	return postgresContainer, conn
}

// runTestMigrations applies all migrations from the migrations directory using golang-migrate.
func runTestMigrations(db *sql.DB) error {
	// Create migrate instance with PostgreSQL driver
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	// Use file source pointing to migrations directory (relative to project root)
	m, err := migrate.NewWithDatabaseInstance(
		"file://../../migrations", // Relative path from internal/storage to project root migrations/
		postgresDriver,
		driver,
	)
	if err != nil {
		return err
	}

	// Run all migrations up
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// newTestPostgresKV builds a PostgresKV on the test database with silent logging.
func newTestPostgresKV(t *testing.T, conn *Connection) *PostgresKV {
	t.Helper()

	kv, err := NewPostgresKV(conn, time.Hour,
		WithPostgresLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewPostgresKV() error = %v", err)
	}

	t.Cleanup(func() { _ = kv.Close() })

	return kv
}

func TestPostgresKVRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	kv := newTestPostgresKV(t, conn)

	t.Run("put and get", func(t *testing.T) {
		if err := kv.Put(ctx, "job:run-1", []byte(`{"runId":"run-1"}`)); err != nil {
			t.Fatalf("Put() unexpected error: %v", err)
		}

		value, found, err := kv.Get(ctx, "job:run-1")
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}

		if !found {
			t.Fatal("Get() found = false, want true")
		}

		if string(value) != `{"runId":"run-1"}` {
			t.Errorf("Get() value = %s, want original payload", value)
		}
	})

	t.Run("get absent key", func(t *testing.T) {
		_, found, err := kv.Get(ctx, "job:missing")
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}

		if found {
			t.Error("Get() found = true for absent key")
		}
	})

	t.Run("upsert replaces value", func(t *testing.T) {
		_ = kv.Put(ctx, "series:k", []byte("first"))
		_ = kv.Put(ctx, "series:k", []byte("second"))

		value, _, err := kv.Get(ctx, "series:k")
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}

		if string(value) != "second" {
			t.Errorf("Get() value = %s, want second", value)
		}
	})

	t.Run("delete removes entry", func(t *testing.T) {
		_ = kv.Put(ctx, "tmp:k", []byte("v"))

		if err := kv.Delete(ctx, "tmp:k"); err != nil {
			t.Fatalf("Delete() unexpected error: %v", err)
		}

		if _, found, _ := kv.Get(ctx, "tmp:k"); found {
			t.Error("Get() found deleted key")
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		if err := kv.Put(ctx, "", []byte("x")); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Put() error = %v, want ErrEmptyKey", err)
		}
	})
}

func TestPostgresKVTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	kv := newTestPostgresKV(t, conn)

	t.Run("live ttl entry is visible", func(t *testing.T) {
		if err := kv.PutWithTTL(ctx, "idempotency:live", []byte("v"), time.Hour); err != nil {
			t.Fatalf("PutWithTTL() unexpected error: %v", err)
		}

		if _, found, _ := kv.Get(ctx, "idempotency:live"); !found {
			t.Error("Get() found = false for live TTL entry")
		}
	})

	t.Run("expired entry reads as absent before cleanup", func(t *testing.T) {
		if err := kv.PutWithTTL(ctx, "idempotency:expired", []byte("v"), 50*time.Millisecond); err != nil {
			t.Fatalf("PutWithTTL() unexpected error: %v", err)
		}

		time.Sleep(200 * time.Millisecond)

		if _, found, _ := kv.Get(ctx, "idempotency:expired"); found {
			t.Error("Get() found expired entry")
		}
	})

	t.Run("put clears a previous ttl", func(t *testing.T) {
		_ = kv.PutWithTTL(ctx, "idempotency:rearmed", []byte("short"), 50*time.Millisecond)
		_ = kv.Put(ctx, "idempotency:rearmed", []byte("permanent"))

		time.Sleep(200 * time.Millisecond)

		value, found, _ := kv.Get(ctx, "idempotency:rearmed")
		if !found || string(value) != "permanent" {
			t.Errorf("Get() = (%s, %v), want the permanent value", value, found)
		}
	})

	t.Run("cleanup reclaims expired rows", func(t *testing.T) {
		_ = kv.PutWithTTL(ctx, "idempotency:reclaim", []byte("v"), 50*time.Millisecond)
		time.Sleep(200 * time.Millisecond)

		kv.cleanupExpiredEntries(ctx)

		var count int

		err := conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM kv_entries WHERE key = $1", "idempotency:reclaim").Scan(&count)
		if err != nil {
			t.Fatalf("count query failed: %v", err)
		}

		if count != 0 {
			t.Errorf("expired row still present after cleanup: count = %d", count)
		}
	})
}

func TestPostgresKVList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	kv := newTestPostgresKV(t, conn)

	seed := map[string]string{
		"job:run-1":          "a",
		"job:run-2":          "b",
		"job:run-3":          "c",
		"timeseries:revenue": "d",
		"package:run-1:kpi":  "e",
	}
	for key, value := range seed {
		if err := kv.Put(ctx, key, []byte(value)); err != nil {
			t.Fatalf("Put(%s) unexpected error: %v", key, err)
		}
	}

	t.Run("prefix scan is filtered and sorted", func(t *testing.T) {
		entries, err := kv.List(ctx, "job:")
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}

		if len(entries) != 3 {
			t.Fatalf("List() returned %d entries, want 3", len(entries))
		}

		for i, want := range []string{"job:run-1", "job:run-2", "job:run-3"} {
			if entries[i].Key != want {
				t.Errorf("List()[%d].Key = %s, want %s", i, entries[i].Key, want)
			}
		}
	})

	t.Run("expired entries are excluded from scans", func(t *testing.T) {
		_ = kv.PutWithTTL(ctx, "job:run-expired", []byte("x"), 50*time.Millisecond)
		time.Sleep(200 * time.Millisecond)

		entries, err := kv.List(ctx, "job:")
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}

		for _, entry := range entries {
			if entry.Key == "job:run-expired" {
				t.Error("List() returned an expired entry")
			}
		}
	})

	t.Run("pattern metacharacters in keys stay literal", func(t *testing.T) {
		_ = kv.Put(ctx, "job:run%wild", []byte("x"))

		entries, err := kv.List(ctx, "job:run%wild")
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}

		if len(entries) != 1 || entries[0].Key != "job:run%wild" {
			t.Errorf("List() = %v, want exactly the literal-percent key", entries)
		}
	})
}

func TestPostgresKVStoreEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	kv := newTestPostgresKV(t, conn)

	store, err := NewStore(kv, WithStoreLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	// Exercise the domain operations against the real backend: append a
	// point, track the run, and verify the idempotency marker behaves.
	now := time.Now().UTC().Truncate(time.Millisecond)

	point := ingestion.DataPoint{Timestamp: now, Value: 42.5}
	if err := store.AppendPoint(ctx, "revenue", "line", point); err != nil {
		t.Fatalf("AppendPoint() unexpected error: %v", err)
	}

	record, err := store.GetSeries(ctx, "revenue")
	if err != nil {
		t.Fatalf("GetSeries() unexpected error: %v", err)
	}

	if len(record.DataPoints) != 1 || record.DataPoints[0].Value != 42.5 {
		t.Errorf("GetSeries() points = %v, want a single 42.5 point", record.DataPoints)
	}

	seen, err := store.Seen(ctx, "revenue", now)
	if err != nil {
		t.Fatalf("Seen() unexpected error: %v", err)
	}

	if seen {
		t.Error("Seen() = true before Record()")
	}

	if err := store.Record(ctx, "revenue", now, time.Hour); err != nil {
		t.Fatalf("Record() unexpected error: %v", err)
	}

	if seen, _ := store.Seen(ctx, "revenue", now); !seen {
		t.Error("Seen() = false after Record()")
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() unexpected error: %v", err)
	}
}
