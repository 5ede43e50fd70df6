package main

import (
	"context"
	"strconv"
	"testing"
	"testing/fstest"
	"time"

	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Embedded filesystem benchmarks.

func BenchmarkListEmbeddedMigrations(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	migration := NewEmbeddedMigration(nil)

	b.ResetTimer()

	for range b.N {
		_, err := migration.ListEmbeddedMigrations()
		if err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}

func BenchmarkGetEmbeddedMigrationContent(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	migration := NewEmbeddedMigration(nil)
	filename := "001_create_kv_entries.up.sql"

	b.ResetTimer()

	for range b.N {
		_, err := migration.GetEmbeddedMigrationContent(filename)
		if err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}

// TestMaxSchemaVersionDetection verifies the highest-sequence detection the
// compatibility check relies on: the max valid NNN prefix wins, invalid
// filenames are ignored.
func TestMaxSchemaVersionDetection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name           string
		migrationFiles map[string]*fstest.MapFile
		expected       int
	}{
		{
			name:           "no_migration_files",
			migrationFiles: map[string]*fstest.MapFile{},
			expected:       0,
		},
		{
			name: "single_migration_sequence",
			migrationFiles: map[string]*fstest.MapFile{
				"001_kv_entries.up.sql":   {Data: []byte("CREATE TABLE kv_entries (key TEXT);")},
				"001_kv_entries.down.sql": {Data: []byte("DROP TABLE kv_entries;")},
			},
			expected: 1,
		},
		{
			name: "multiple_migration_sequences",
			migrationFiles: map[string]*fstest.MapFile{
				"001_kv_entries.up.sql":   {Data: []byte("CREATE TABLE kv_entries (key TEXT);")},
				"001_kv_entries.down.sql": {Data: []byte("DROP TABLE kv_entries;")},
				"005_features.up.sql":     {Data: []byte("ALTER TABLE kv_entries ADD COLUMN tag VARCHAR(255);")},
				"005_features.down.sql":   {Data: []byte("ALTER TABLE kv_entries DROP COLUMN tag;")},
				"003_indexes.up.sql":      {Data: []byte("CREATE INDEX idx_kv ON kv_entries(key);")},
				"003_indexes.down.sql":    {Data: []byte("DROP INDEX idx_kv;")},
			},
			expected: 5,
		},
		{
			name: "high_sequence_numbers",
			migrationFiles: map[string]*fstest.MapFile{
				"112_advanced.up.sql":   {Data: []byte("CREATE MATERIALIZED VIEW kv_view;")},
				"112_advanced.down.sql": {Data: []byte("DROP MATERIALIZED VIEW kv_view;")},
				"050_middle.up.sql":     {Data: []byte("CREATE INDEX kv_idx;")},
				"050_middle.down.sql":   {Data: []byte("DROP INDEX kv_idx;")},
			},
			expected: 112,
		},
		{
			name: "mixed_valid_and_invalid_files",
			migrationFiles: map[string]*fstest.MapFile{
				"001_kv_entries.up.sql":   {Data: []byte("CREATE TABLE kv_entries (key TEXT);")},
				"001_kv_entries.down.sql": {Data: []byte("DROP TABLE kv_entries;")},
				"invalid_file.sql":        {Data: []byte("INVALID;")},
				"002_features.up.sql":     {Data: []byte("ALTER TABLE kv_entries;")},
				"002_features.down.sql":   {Data: []byte("ALTER TABLE kv_entries;")},
				"not_a_migration.txt":     {Data: []byte("TEXT FILE")},
			},
			expected: 2,
		},
		{
			name: "only_invalid_files",
			migrationFiles: map[string]*fstest.MapFile{
				"invalid_file.sql":    {Data: []byte("INVALID;")},
				"not_a_migration.txt": {Data: []byte("TEXT FILE")},
				"random.doc":          {Data: []byte("DOCUMENT")},
			},
			expected: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testFS := fstest.MapFS(tc.migrationFiles)
			embeddedMigration := NewEmbeddedMigration(testFS)

			files, err := embeddedMigration.ListEmbeddedMigrations()
			if err != nil {
				if tc.expected != 0 {
					t.Errorf("unexpected error getting migration files: %v", err)
				}

				return
			}

			maxSequence := 0

			for _, filename := range files {
				matches := migrationFilenameRegex.FindStringSubmatch(filename)
				if len(matches) == 0 {
					continue
				}

				if sequence, err := strconv.Atoi(matches[1]); err == nil && sequence > maxSequence {
					maxSequence = sequence
				}
			}

			if maxSequence != tc.expected {
				t.Errorf("max schema version = %d, expected %d", maxSequence, tc.expected)
			}
		})
	}
}

// BenchmarkMigrationRunnerIntegrationOperations benchmarks the runner against
// a real PostgreSQL with the actual embedded kv schema.
func BenchmarkMigrationRunnerIntegrationOperations(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping this benchmark in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgrescontainer.Run(ctx,
		"postgres:15-alpine",
		postgrescontainer.WithDatabase("benchmarkdb"),
		postgrescontainer.WithUsername("benchmarkuser"),
		postgrescontainer.WithPassword("benchmarkpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)), // Extended timeout for dev containers
	)
	if err != nil {
		b.Fatalf("failed to start postgres container: %v", err)
	}

	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			b.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		b.Fatalf("failed to get connection string: %v", err)
	}

	config := &Config{
		DatabaseURL:    connStr,
		MigrationTable: "schema_migrations_benchmark",
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		b.Fatalf("failed to create runner: %v", err)
	}

	defer func() {
		if err := runner.Close(); err != nil {
			b.Logf("cleanup error: %v", err)
		}
	}()

	if err := runner.Up(); err != nil {
		b.Fatalf("failed to apply embedded migrations: %v", err)
	}

	b.ResetTimer()

	b.Run("Status", func(b *testing.B) {
		for range b.N {
			if err := runner.Status(); err != nil {
				b.Fatalf("status check failed: %v", err)
			}
		}
	})

	b.Run("Version", func(b *testing.B) {
		for range b.N {
			if err := runner.Version(); err != nil {
				b.Fatalf("version check failed: %v", err)
			}
		}
	})

	// Roll the expiry index back and forward repeatedly.
	b.Run("MigrationOperations", func(b *testing.B) {
		for range b.N {
			if err := runner.Down(); err != nil {
				b.Fatalf("migration down failed: %v", err)
			}

			if err := runner.Up(); err != nil {
				b.Fatalf("migration up failed: %v", err)
			}
		}
	})
}

// BenchmarkMigrationRunnerOperations benchmarks dispatch against the mock.
func BenchmarkMigrationRunnerOperations(b *testing.B) {
	mock := &mockMigrationRunner{}

	b.Run("Status", func(b *testing.B) {
		for range b.N {
			_ = mock.Status()
		}
	})

	b.Run("Version", func(b *testing.B) {
		for range b.N {
			_ = mock.Version()
		}
	})

	b.Run("Up", func(b *testing.B) {
		for range b.N {
			_ = mock.Up()
		}
	})
}
