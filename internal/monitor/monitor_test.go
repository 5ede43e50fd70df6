package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/handoff"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// fakeJobStore is an in-memory ingestion.JobStore that clones records on
// every boundary, like a real store decoding JSON.
type fakeJobStore struct {
	mu      sync.Mutex
	records map[string]*ingestion.JobRecord
	listErr error
}

func newFakeJobStore(records ...*ingestion.JobRecord) *fakeJobStore {
	store := &fakeJobStore{records: make(map[string]*ingestion.JobRecord)}

	for _, record := range records {
		store.records[record.RunID] = cloneRecord(record)
	}

	return store
}

func cloneRecord(record *ingestion.JobRecord) *ingestion.JobRecord {
	payload, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}

	clone := new(ingestion.JobRecord)
	if err := json.Unmarshal(payload, clone); err != nil {
		panic(err)
	}

	return clone
}

func (s *fakeJobStore) GetJob(_ context.Context, runID string) (*ingestion.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrUnknownRun, runID)
	}

	return cloneRecord(record), nil
}

func (s *fakeJobStore) PutJob(_ context.Context, record *ingestion.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.RunID] = cloneRecord(record)

	return nil
}

func (s *fakeJobStore) UpdateJob(_ context.Context, runID string, mutate func(*ingestion.JobRecord) error) (*ingestion.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrUnknownRun, runID)
	}

	updated := cloneRecord(record)
	if err := mutate(updated); err != nil {
		return nil, err
	}

	s.records[runID] = updated

	return cloneRecord(updated), nil
}

func (s *fakeJobStore) ListOpenJobs(_ context.Context) ([]*ingestion.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	open := make([]*ingestion.JobRecord, 0, len(s.records))

	for _, record := range s.records {
		if record.ProcessedAt == nil {
			open = append(open, cloneRecord(record))
		}
	}

	return open, nil
}

// fakeProducer records published triggers and can fail the next N publishes.
type fakeProducer struct {
	mu        sync.Mutex
	published []handoff.TriggerMessage
	failures  int
}

func (p *fakeProducer) Publish(_ context.Context, msg handoff.TriggerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failures > 0 {
		p.failures--

		return fmt.Errorf("%w: broker unreachable", ingestion.ErrDownstreamHandoff)
	}

	p.published = append(p.published, msg)

	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) messages() []handoff.TriggerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]handoff.TriggerMessage, len(p.published))
	copy(out, p.published)

	return out
}

func newTestMonitor(t *testing.T, store ingestion.JobStore, producer handoff.Producer) *Monitor {
	t.Helper()

	m, err := New(store, producer, testConfig,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return m
}

func TestNew_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeJobStore()
	producer := &fakeProducer{}

	if _, err := New(nil, producer, testConfig); err != ErrNoJobStore {
		t.Errorf("New(nil store) error = %v, want %v", err, ErrNoJobStore)
	}

	if _, err := New(store, nil, testConfig); err != ErrNoProducer {
		t.Errorf("New(nil producer) error = %v, want %v", err, ErrNoProducer)
	}

	if _, err := New(store, producer, nil); err != ErrNilConfig {
		t.Errorf("New(nil config) error = %v, want %v", err, ErrNilConfig)
	}

	bad := &Config{Interval: time.Minute, Timeout: time.Hour, PartialThreshold: 1.5, Concurrency: 4}
	if _, err := New(store, producer, bad); err == nil {
		t.Error("New() with invalid threshold did not fail")
	}
}

func TestRunTick_HandsOffResolvedRunExactlyOnce(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	record := ingestion.NewJobRecord("run-done", []string{"a", "b"}, now.Add(-10*time.Minute))
	record = ingestion.ApplyKPICompletion(record, "a", now.Add(-5*time.Minute))
	record = ingestion.ApplyKPICompletion(record, "b", now.Add(-4*time.Minute))

	store := newFakeJobStore(record)
	producer := &fakeProducer{}
	m := newTestMonitor(t, store, producer)

	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	msgs := producer.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d triggers, want 1", len(msgs))
	}

	if msgs[0].RunID != "run-done" {
		t.Errorf("RunID = %q, want run-done", msgs[0].RunID)
	}

	if msgs[0].Partial {
		t.Error("Partial = true for a complete run")
	}

	if msgs[0].Type != handoff.MessageTypeStageTrigger {
		t.Errorf("Type = %q, want %q", msgs[0].Type, handoff.MessageTypeStageTrigger)
	}

	stored, err := store.GetJob(ctx, "run-done")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}

	if stored.Status != ingestion.JobStatusComplete {
		t.Errorf("Status = %v, want complete", stored.Status)
	}

	if stored.ProcessedAt == nil {
		t.Fatal("ProcessedAt not set after handoff")
	}

	// Processed records drop out of the scan: the next tick is a no-op.
	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("second RunTick() error = %v", err)
	}

	if got := len(producer.messages()); got != 1 {
		t.Errorf("published %d triggers after second tick, want 1", got)
	}
}

func TestRunTick_PublishFailureKeepsRunOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	record := ingestion.NewJobRecord("run-retry", []string{"a"}, now.Add(-10*time.Minute))
	record = ingestion.ApplyKPICompletion(record, "a", now.Add(-5*time.Minute))

	store := newFakeJobStore(record)
	producer := &fakeProducer{failures: 1}
	m := newTestMonitor(t, store, producer)

	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	if got := len(producer.messages()); got != 0 {
		t.Fatalf("published %d triggers despite broker failure, want 0", got)
	}

	stored, _ := store.GetJob(ctx, "run-retry")
	if stored.ProcessedAt != nil {
		t.Fatal("ProcessedAt set even though the handoff failed")
	}

	// Next tick retries and succeeds.
	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("second RunTick() error = %v", err)
	}

	if got := len(producer.messages()); got != 1 {
		t.Fatalf("published %d triggers after retry, want 1", got)
	}

	stored, _ = store.GetJob(ctx, "run-retry")
	if stored.ProcessedAt == nil {
		t.Error("ProcessedAt not set after successful retry")
	}
}

func TestRunTick_ClosesAgedRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	// 2 of 3 completed, aged past the 30m timeout: partial.
	overThreshold := ingestion.NewJobRecord("run-partial", []string{"a", "b", "c"}, now.Add(-time.Hour))
	overThreshold = ingestion.ApplyKPICompletion(overThreshold, "a", now.Add(-50*time.Minute))
	overThreshold = ingestion.ApplyKPICompletion(overThreshold, "b", now.Add(-40*time.Minute))

	// Nothing arrived, aged: timeout.
	silent := ingestion.NewJobRecord("run-silent", []string{"x", "y"}, now.Add(-time.Hour))

	store := newFakeJobStore(overThreshold, silent)
	producer := &fakeProducer{}
	m := newTestMonitor(t, store, producer)

	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	msgs := producer.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d triggers, want 2", len(msgs))
	}

	byRun := make(map[string]handoff.TriggerMessage, len(msgs))
	for _, msg := range msgs {
		byRun[msg.RunID] = msg
	}

	if !byRun["run-partial"].Partial {
		t.Error("run-partial trigger Partial = false, want true")
	}

	if byRun["run-silent"].Partial {
		t.Error("run-silent trigger Partial = true, want false")
	}

	partial, _ := store.GetJob(ctx, "run-partial")
	if partial.Status != ingestion.JobStatusPartial || partial.ProcessedAt == nil {
		t.Errorf("run-partial status = %v processedAt = %v, want processed partial", partial.Status, partial.ProcessedAt)
	}

	timedOut, _ := store.GetJob(ctx, "run-silent")
	if timedOut.Status != ingestion.JobStatusTimeout || timedOut.ProcessedAt == nil {
		t.Errorf("run-silent status = %v processedAt = %v, want processed timeout", timedOut.Status, timedOut.ProcessedAt)
	}
}

func TestRunTick_PromotesAgedPendingRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	record := ingestion.NewJobRecord("run-pending", []string{"a"}, now.Add(-5*time.Minute))

	store := newFakeJobStore(record)
	producer := &fakeProducer{}
	m := newTestMonitor(t, store, producer)

	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	if got := len(producer.messages()); got != 0 {
		t.Errorf("published %d triggers for a pending run, want 0", got)
	}

	stored, _ := store.GetJob(ctx, "run-pending")
	if stored.Status != ingestion.JobStatusActive {
		t.Errorf("Status = %v, want active after promotion", stored.Status)
	}

	if stored.ProcessedAt != nil {
		t.Error("ProcessedAt set for a promoted run")
	}
}

func TestRunTick_LeavesYoungRunsAlone(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	record := ingestion.NewJobRecord("run-young", []string{"a", "b"}, now.Add(-5*time.Minute))
	record = ingestion.ApplyKPICompletion(record, "a", now.Add(-2*time.Minute))

	store := newFakeJobStore(record)
	producer := &fakeProducer{}
	m := newTestMonitor(t, store, producer)

	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	if got := len(producer.messages()); got != 0 {
		t.Errorf("published %d triggers for a young run, want 0", got)
	}

	stored, _ := store.GetJob(ctx, "run-young")
	if stored.Status != ingestion.JobStatusActive || stored.ProcessedAt != nil {
		t.Errorf("record changed: status %v processedAt %v", stored.Status, stored.ProcessedAt)
	}
}

func TestRunTick_ListFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeJobStore()
	store.listErr = fmt.Errorf("%w: backend down", ingestion.ErrStorage)

	m := newTestMonitor(t, store, &fakeProducer{})

	if err := m.RunTick(context.Background()); err == nil {
		t.Error("RunTick() returned nil despite list failure")
	}
}

func TestRunTick_ManyRecordsWithBoundedConcurrency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	store := newFakeJobStore()

	for i := 0; i < 20; i++ {
		record := ingestion.NewJobRecord(fmt.Sprintf("run-%02d", i), []string{"a"}, now.Add(-10*time.Minute))
		record = ingestion.ApplyKPICompletion(record, "a", now.Add(-5*time.Minute))

		if err := store.PutJob(ctx, record); err != nil {
			t.Fatalf("PutJob() error = %v", err)
		}
	}

	producer := &fakeProducer{}

	m, err := New(store, producer,
		&Config{Interval: time.Minute, Timeout: 30 * time.Minute, PartialThreshold: 0.5, Concurrency: 2},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := m.RunTick(ctx); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	if got := len(producer.messages()); got != 20 {
		t.Errorf("published %d triggers, want 20", got)
	}

	open, err := store.ListOpenJobs(ctx)
	if err != nil {
		t.Fatalf("ListOpenJobs() error = %v", err)
	}

	if len(open) != 0 {
		t.Errorf("%d records still open after tick, want 0", len(open))
	}
}

func TestStartStop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	record := ingestion.NewJobRecord("run-ticker", []string{"a"}, now.Add(-10*time.Minute))
	record = ingestion.ApplyKPICompletion(record, "a", now.Add(-5*time.Minute))

	store := newFakeJobStore(record)
	producer := &fakeProducer{}

	m, err := New(store, producer,
		&Config{Interval: 20 * time.Millisecond, Timeout: 30 * time.Minute, PartialThreshold: 0.5, Concurrency: 2},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.Start()

	// Wait for the ticker to pick the record up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(producer.messages()) > 0 {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	m.Stop()
	m.Stop() // Idempotent

	if got := len(producer.messages()); got != 1 {
		t.Fatalf("published %d triggers, want 1", got)
	}

	stored, _ := store.GetJob(ctx, "run-ticker")
	if stored.ProcessedAt == nil {
		t.Error("ProcessedAt not set by ticker-driven handoff")
	}
}
