// Package monitor implements the job monitor: a periodic scan over open job
// records that decides completion, partial completion, or timeout per run and
// hands finished runs to the downstream stage.
//
// Each tick is idempotent and stateless: evaluation reads fresh records, the
// decision is a pure function (see Evaluate), and the handoff order is
// publish-then-mark. A publish failure leaves the record open for the next
// tick (at-least-once delivery); a crash between publish and mark replays the
// trigger, which consumers deduplicate by runId. Once a record carries
// processedAt it drops out of the scan, so a successfully handed-off run is
// never touched again.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kpiflow-io/kpiflow/internal/config"
	"github.com/kpiflow-io/kpiflow/internal/handoff"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// shutdownTimeout bounds how long Stop waits for the tick loop to exit.
const shutdownTimeout = 5 * time.Second

// Sentinel errors for monitor construction.
var (
	// ErrNoJobStore indicates a nil job store was passed to New.
	ErrNoJobStore = errors.New("job store is required")

	// ErrNoProducer indicates a nil trigger producer was passed to New.
	ErrNoProducer = errors.New("trigger producer is required")

	// ErrNilConfig indicates a nil config was passed to New.
	ErrNilConfig = errors.New("monitor config cannot be nil")
)

type (
	// Monitor periodically scans open job records and hands finished runs to
	// the downstream stage.
	Monitor struct {
		jobs     ingestion.JobStore
		producer handoff.Producer
		cfg      *Config
		logger   *slog.Logger

		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}

	// Option configures a Monitor.
	Option func(*Monitor)
)

// WithLogger sets a custom logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a job monitor over the given store and producer.
func New(jobs ingestion.JobStore, producer handoff.Producer, cfg *Config, opts ...Option) (*Monitor, error) {
	if jobs == nil {
		return nil, ErrNoJobStore
	}

	if producer == nil {
		return nil, ErrNoProducer
	}

	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}

	m := &Monitor{
		jobs:     jobs,
		producer: producer,
		cfg:      cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		stop: make(chan struct{}), // Signal to stop the tick loop
		done: make(chan struct{}), // Signal the tick loop has stopped
	}

	// Apply optional configuration
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Start launches the tick loop in a background goroutine.
func (m *Monitor) Start() {
	go m.run()

	m.logger.Info("Started job monitor",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("timeout", m.cfg.Timeout),
		slog.Float64("partial_threshold", m.cfg.PartialThreshold),
		slog.Int("concurrency", m.cfg.Concurrency))
}

// Stop terminates the tick loop and waits for it to exit. Safe to call
// multiple times.
func (m *Monitor) Stop() {
	m.closeOnce.Do(func() {
		close(m.stop)

		select {
		case <-m.done:
		case <-time.After(shutdownTimeout):
			m.logger.Warn("Timeout waiting for monitor tick loop to stop")
		}

		m.logger.Info("Stopped job monitor")
	})
}

// run is the tick loop. It exits when Stop closes the stop channel.
func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Cancelable context so an in-flight tick aborts promptly on Stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-m.stop
		cancel()
	}()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// One tick gets at most one interval before it is cut off.
			tickCtx, tickCancel := context.WithTimeout(ctx, m.cfg.Interval)

			if err := m.RunTick(tickCtx); err != nil {
				m.logger.Error("Monitor tick failed",
					slog.String("error", err.Error()))
			}

			tickCancel()
		}
	}
}

// RunTick evaluates every open job record once. Records are evaluated
// concurrently up to the configured limit; per-record failures are logged and
// never abort the tick. Exported so operators and tests can force a scan
// without waiting for the ticker.
func (m *Monitor) RunTick(ctx context.Context) error {
	start := time.Now()

	records, err := m.jobs.ListOpenJobs(ctx)
	if err != nil {
		return fmt.Errorf("list open jobs: %w", err)
	}

	now := time.Now().UTC()

	var published atomic.Int64

	group := new(errgroup.Group)
	group.SetLimit(m.cfg.Concurrency)

	for _, record := range records {
		group.Go(func() error {
			if m.evaluateRecord(ctx, record, now) {
				published.Add(1)
			}

			return nil
		})
	}

	// Workers never return errors; failures are logged per record.
	_ = group.Wait()

	m.logger.Debug("Completed monitor tick",
		slog.Int("open_records", len(records)),
		slog.Int64("published", published.Load()),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// evaluateRecord applies the decision rules to one record and performs the
// resulting action. Returns true when a trigger was published.
func (m *Monitor) evaluateRecord(ctx context.Context, record *ingestion.JobRecord, now time.Time) bool {
	outcome := Evaluate(record, now, m.cfg)

	switch {
	case outcome.Terminal:
		return m.handOff(ctx, record, outcome, now)
	case outcome.Promote:
		m.promote(ctx, record, now)
	}

	return false
}

// handOff publishes the stage trigger and then marks the record processed.
// Publish failure leaves the record untouched so the next tick retries; a
// marking failure after a successful publish is logged and also left to the
// next tick, which resends the trigger (consumers dedup by runId).
func (m *Monitor) handOff(ctx context.Context, record *ingestion.JobRecord, outcome Outcome, now time.Time) bool {
	msg := handoff.NewTriggerMessage(record.RunID, now, outcome.Status == ingestion.JobStatusPartial)

	if err := m.producer.Publish(ctx, msg); err != nil {
		m.logger.Warn("Stage handoff failed, run stays open for retry",
			slog.String("run_id", record.RunID),
			slog.String("status", outcome.Status.String()),
			slog.String("error", err.Error()))

		return false
	}

	updated, err := m.jobs.UpdateJob(ctx, record.RunID, func(r *ingestion.JobRecord) error {
		return ingestion.MarkProcessed(r, outcome.Status, now)
	})
	if err != nil {
		if errors.Is(err, ingestion.ErrJobRecordImmutable) {
			// A concurrent monitor already closed the run. The duplicate
			// trigger is absorbed downstream.
			m.logger.Debug("Run already processed by a concurrent tick",
				slog.String("run_id", record.RunID))

			return true
		}

		m.logger.Error("Failed to mark run processed after handoff",
			slog.String("run_id", record.RunID),
			slog.String("status", outcome.Status.String()),
			slog.String("error", err.Error()))

		return true
	}

	m.logger.Info("Handed off run to next stage",
		slog.String("run_id", updated.RunID),
		slog.String("status", updated.Status.String()),
		slog.Bool("partial", msg.Partial),
		slog.String("reason", outcome.Reason))

	return true
}

// promote moves an aged pending record to active. Lost races are harmless:
// the mutate re-checks the status against the fresh record.
func (m *Monitor) promote(ctx context.Context, record *ingestion.JobRecord, now time.Time) {
	_, err := m.jobs.UpdateJob(ctx, record.RunID, func(r *ingestion.JobRecord) error {
		if r.Status != ingestion.JobStatusPending {
			return nil
		}

		r.Status = ingestion.JobStatusActive
		r.UpdatedAt = now

		return nil
	})
	if err != nil {
		m.logger.Warn("Failed to promote pending run",
			slog.String("run_id", record.RunID),
			slog.String("error", err.Error()))

		return
	}

	m.logger.Debug("Promoted pending run to active",
		slog.String("run_id", record.RunID))
}
