// Package storage provides data storage implementations for the kpiflow engine.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/config"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// Compile-time checks that Store satisfies every persistence interface the
// ingestion and monitoring pipelines depend on.
var (
	_ ingestion.SeriesStore   = (*Store)(nil)
	_ ingestion.JobStore      = (*Store)(nil)
	_ ingestion.PackageStore  = (*Store)(nil)
	_ ingestion.Ledger        = (*Store)(nil)
	_ ingestion.ReportStore   = (*Store)(nil)
	_ ingestion.HealthChecker = (*Store)(nil)
)

// Store implements the engine's record operations on a flat key-value backend.
//
// Every record is a self-contained JSON document under one key (see keys.go
// for the layout). The backend offers no multi-key transactions, so record
// updates are read-modify-write cycles; concurrent writers to the same key
// race last-writer-wins, and the lifecycle functions keep that safe by
// recomputing aggregate state from the whole record on every write.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// StoreOption configures optional Store behavior.
type StoreOption func(*Store)

// WithStoreLogger overrides the default JSON logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store on top of the given key-value backend.
func NewStore(kv KV, opts ...StoreOption) (*Store, error) {
	if kv == nil {
		return nil, ErrNoKeyValueStore
	}

	store := &Store{
		kv: kv,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	// Apply optional configuration
	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// AppendPoint implements ingestion.SeriesStore.
//
// Read-modify-write on the series record: load (or create) the record, insert
// the point in chronological position, write the whole document back. Two
// concurrent appends to the same KPI can drop one point; the idempotency
// ledger makes same-submission races a non-event and redeliveries repair the
// rest.
func (s *Store) AppendPoint(ctx context.Context, kpiID, kpiType string, point ingestion.DataPoint) error {
	key := TimeSeriesKey(kpiID)
	now := time.Now().UTC()

	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load series %q: %w", kpiID, err)
	}

	record := ingestion.NewTimeSeriesRecord(kpiID, kpiType, now)
	if found {
		record = &ingestion.TimeSeriesRecord{}
		if err := json.Unmarshal(raw, record); err != nil {
			return fmt.Errorf("corrupt series record %q: %w", kpiID, err)
		}
	}

	record.Insert(point, now)

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode series %q: %w", kpiID, err)
	}

	if err := s.kv.Put(ctx, key, encoded); err != nil {
		return fmt.Errorf("failed to store series %q: %w", kpiID, err)
	}

	return nil
}

// GetSeries implements ingestion.SeriesStore.
func (s *Store) GetSeries(ctx context.Context, kpiID string) (*ingestion.TimeSeriesRecord, error) {
	raw, found, err := s.kv.Get(ctx, TimeSeriesKey(kpiID))
	if err != nil {
		return nil, fmt.Errorf("failed to load series %q: %w", kpiID, err)
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrUnknownSeries, kpiID)
	}

	record := &ingestion.TimeSeriesRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("corrupt series record %q: %w", kpiID, err)
	}

	return record, nil
}

// GetJob implements ingestion.JobStore.
func (s *Store) GetJob(ctx context.Context, runID string) (*ingestion.JobRecord, error) {
	raw, found, err := s.kv.Get(ctx, JobKey(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to load job %q: %w", runID, err)
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrUnknownRun, runID)
	}

	record := &ingestion.JobRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("corrupt job record %q: %w", runID, err)
	}

	return record, nil
}

// PutJob implements ingestion.JobStore.
func (s *Store) PutJob(ctx context.Context, record *ingestion.JobRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode job %q: %w", record.RunID, err)
	}

	if err := s.kv.Put(ctx, JobKey(record.RunID), encoded); err != nil {
		return fmt.Errorf("failed to store job %q: %w", record.RunID, err)
	}

	return nil
}

// UpdateJob implements ingestion.JobStore.
//
// The record handed to mutate is freshly decoded, so mutate owns it outright;
// a mutate error aborts the cycle without writing.
func (s *Store) UpdateJob(
	ctx context.Context,
	runID string,
	mutate func(*ingestion.JobRecord) error,
) (*ingestion.JobRecord, error) {
	record, err := s.GetJob(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := mutate(record); err != nil {
		return nil, err
	}

	if err := s.PutJob(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// ListOpenJobs implements ingestion.JobStore.
//
// Scans the job prefix and keeps records without a processedAt stamp. A
// record that fails to decode is logged and skipped rather than wedging the
// monitor on one corrupt value.
func (s *Store) ListOpenJobs(ctx context.Context) ([]*ingestion.JobRecord, error) {
	entries, err := s.kv.List(ctx, jobKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job records: %w", err)
	}

	open := make([]*ingestion.JobRecord, 0, len(entries))

	for _, entry := range entries {
		record := &ingestion.JobRecord{}
		if err := json.Unmarshal(entry.Value, record); err != nil {
			s.logger.Warn("skipping corrupt job record",
				slog.String("key", entry.Key),
				slog.String("error", err.Error()))

			continue
		}

		if record.ProcessedAt == nil {
			open = append(open, record)
		}
	}

	return open, nil
}

// CreatePackage implements ingestion.PackageStore.
//
// Check-then-put without atomicity: two concurrent creators for the same pair
// can both observe "absent" and both write. They carry the same submission
// content (the idempotency ledger has already filtered true duplicates), so
// the overlap is harmless.
func (s *Store) CreatePackage(ctx context.Context, pkg *ingestion.RunPackage) (bool, error) {
	key := PackageKey(pkg.RunID, pkg.KPIID)

	_, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check package %q: %w", key, err)
	}

	if found {
		return false, nil
	}

	encoded, err := json.Marshal(pkg)
	if err != nil {
		return false, fmt.Errorf("failed to encode package %q: %w", key, err)
	}

	if err := s.kv.Put(ctx, key, encoded); err != nil {
		return false, fmt.Errorf("failed to store package %q: %w", key, err)
	}

	return true, nil
}

// GetPackage implements ingestion.PackageStore.
func (s *Store) GetPackage(ctx context.Context, runID, kpiID string) (*ingestion.RunPackage, error) {
	raw, found, err := s.kv.Get(ctx, PackageKey(runID, kpiID))
	if err != nil {
		return nil, fmt.Errorf("failed to load package run %q kpi %q: %w", runID, kpiID, err)
	}

	if !found {
		return nil, fmt.Errorf("%w: no package for run %q kpi %q", ingestion.ErrStorage, runID, kpiID)
	}

	pkg := &ingestion.RunPackage{}
	if err := json.Unmarshal(raw, pkg); err != nil {
		return nil, fmt.Errorf("corrupt package run %q kpi %q: %w", runID, kpiID, err)
	}

	return pkg, nil
}

// idempotencyMarker is the stored value of an idempotency key. The content is
// for operators poking at the backend; only the key's existence matters.
type idempotencyMarker struct {
	KPIID      string    `json:"kpiId"`
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Seen implements ingestion.Ledger. Expired markers count as unseen because
// every backend filters lapsed TTLs out of reads.
func (s *Store) Seen(ctx context.Context, kpiID string, timestamp time.Time) (bool, error) {
	_, found, err := s.kv.Get(ctx, IdempotencyKey(kpiID, timestamp))
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency marker: %w", err)
	}

	return found, nil
}

// Record implements ingestion.Ledger.
func (s *Store) Record(ctx context.Context, kpiID string, timestamp time.Time, ttl time.Duration) error {
	marker := idempotencyMarker{
		KPIID:      kpiID,
		Timestamp:  timestamp.UTC(),
		RecordedAt: time.Now().UTC(),
	}

	encoded, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency marker: %w", err)
	}

	if err := s.kv.PutWithTTL(ctx, IdempotencyKey(kpiID, timestamp), encoded, ttl); err != nil {
		return fmt.Errorf("failed to store idempotency marker: %w", err)
	}

	return nil
}

// RecordError implements ingestion.ReportStore. Reports are kept without a
// TTL; they are the audit trail for failed upstream work.
func (s *Store) RecordError(ctx context.Context, report *ingestion.ErrorReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode error report %q: %w", report.ReportID, err)
	}

	if err := s.kv.Put(ctx, ErrorReportKey(report.ReportID), encoded); err != nil {
		return fmt.Errorf("failed to store error report %q: %w", report.ReportID, err)
	}

	return nil
}

// HealthCheck implements ingestion.HealthChecker by delegating to the backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.kv.HealthCheck(ctx)
}
