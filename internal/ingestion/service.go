// Package ingestion provides the submission apply pipeline: the ordered steps
// that turn one validated submission into a series point, a run package, and
// a job record update, guarded by the idempotency ledger.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyTTL bounds how long a (kpiId, timestamp) marker suppresses
// redeliveries. Upstream schedulers retry within minutes, not days, so 24
// hours comfortably covers every redelivery window.
const DefaultIdempotencyTTL = 24 * time.Hour

// Outcome classifies the result of applying one submission.
type Outcome string

const (
	// OutcomeProcessed means the submission was fully applied: point stored,
	// package created, job record updated, marker recorded.
	OutcomeProcessed Outcome = "processed"

	// OutcomeSkipped means the idempotency ledger already held a live marker
	// for the (kpiId, timestamp) pair. Not an error.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeError means the submission could not be applied. Err carries
	// the cause; classify it with errors.Is against the package sentinels.
	OutcomeError Outcome = "error"
)

type (
	// SubmissionResult is the per-element outcome of an Ingest call.
	//
	// Batches are applied with per-element isolation, so a batch of n
	// submissions always yields n results in input order (multi-KPI
	// submissions fan out into one result per KPI id). The API layer maps
	// these onto 200/207/422 responses.
	SubmissionResult struct {
		// RunID and KPIID identify the element the result belongs to.
		// KPIID is the expanded per-KPI id for multi-KPI submissions.
		RunID string
		KPIID string

		// Timestamp echoes the submission's collection time.
		Timestamp time.Time

		// Outcome is processed, skipped, or error.
		Outcome Outcome

		// Reason explains a skipped outcome in one short phrase.
		Reason string

		// Err is set for error outcomes only.
		Err error
	}

	// Service wires the apply pipeline to its stores.
	//
	// All store dependencies are interfaces defined in this package, so the
	// pipeline logic can be tested against in-memory fakes while production
	// runs over internal/storage.
	Service struct {
		series    SeriesStore
		jobs      JobStore
		packages  PackageStore
		ledger    Ledger
		reports   ReportStore
		validator *Validator

		idempotencyTTL time.Duration
		logger         *slog.Logger
	}

	// ServiceOption configures optional Service behavior.
	ServiceOption func(*Service)
)

// WithIdempotencyTTL overrides DefaultIdempotencyTTL for ledger markers.
func WithIdempotencyTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates the apply pipeline over the given stores.
func NewService(
	series SeriesStore,
	jobs JobStore,
	packages PackageStore,
	ledger Ledger,
	reports ReportStore,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		series:         series,
		jobs:           jobs,
		packages:       packages,
		ledger:         ledger,
		reports:        reports,
		validator:      NewValidator(),
		idempotencyTTL: DefaultIdempotencyTTL,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Ingest applies a batch of submissions with per-element isolation and
// returns one result per element in input order.
//
// Multi-KPI submissions fan out before processing: a submission carrying n
// KPI ids contributes n consecutive results. A failing element never aborts
// the rest of the batch; the only batch-wide failure mode is context
// cancellation, which surfaces as error outcomes on the remaining elements.
func (s *Service) Ingest(ctx context.Context, subs []*Submission) []SubmissionResult {
	results := make([]SubmissionResult, 0, len(subs))

	for _, sub := range subs {
		// A malformed multi-KPI envelope fails all of its elements at once;
		// expansion has nothing sound to split.
		if sub != nil && sub.IsMulti() {
			if err := s.validator.ValidateSubmission(sub); err != nil {
				for _, kpiID := range sub.KPIIDs {
					results = append(results, SubmissionResult{
						RunID:     sub.RunID,
						KPIID:     kpiID,
						Timestamp: sub.Timestamp,
						Outcome:   OutcomeError,
						Err:       err,
					})
				}

				continue
			}
		}

		for _, element := range ExpandSubmission(sub) {
			if err := ctx.Err(); err != nil {
				results = append(results, SubmissionResult{
					RunID:     element.RunID,
					KPIID:     element.KPIID,
					Timestamp: element.Timestamp,
					Outcome:   OutcomeError,
					Err:       fmt.Errorf("%w: %w", ErrStorage, err),
				})

				continue
			}

			results = append(results, s.ingestOne(ctx, element))
		}
	}

	return results
}

// ExpandSubmission fans a multi-KPI submission out into one single-KPI
// submission per id, splitting the object data payload by KPI id. Single-KPI
// submissions pass through unchanged.
//
// A KPI id with no matching key in the data object still yields an element
// (with nil data), so it surfaces as a per-element validation error instead
// of silently vanishing from the batch.
func ExpandSubmission(sub *Submission) []*Submission {
	if sub == nil || !sub.IsMulti() {
		return []*Submission{sub}
	}

	dataByKPI, _ := sub.Data.(map[string]interface{})
	elements := make([]*Submission, 0, len(sub.KPIIDs))

	for _, kpiID := range sub.KPIIDs {
		element := &Submission{
			RunID:     sub.RunID,
			KPIID:     kpiID,
			Timestamp: sub.Timestamp,
			KPIType:   sub.KPIType,
			Metadata:  sub.Metadata,
			Chart:     sub.Chart,
			Analysis:  sub.Analysis,
		}
		if dataByKPI != nil {
			element.Data = dataByKPI[kpiID]
		}

		elements = append(elements, element)
	}

	return elements
}

// ingestOne applies a single expanded submission.
//
// Step order is load-bearing: the idempotency marker is recorded last, only
// after the point, package, and job update all succeeded, so a crash mid-way
// causes a redelivery to reprocess rather than lose the submission.
func (s *Service) ingestOne(ctx context.Context, sub *Submission) SubmissionResult {
	var result SubmissionResult
	if sub != nil {
		result.RunID = sub.RunID
		result.KPIID = sub.KPIID
		result.Timestamp = sub.Timestamp
	}

	// Step 1: structural validation.
	if err := s.validator.ValidateSubmission(sub); err != nil {
		result.Outcome = OutcomeError
		result.Err = err

		return result
	}

	// Step 2: duplicate check against the ledger.
	seen, err := s.ledger.Seen(ctx, sub.KPIID, sub.Timestamp)
	if err != nil {
		result.Outcome = OutcomeError
		result.Err = fmt.Errorf("%w: idempotency check for kpi %q: %w", ErrStorage, sub.KPIID, err)

		return result
	}

	if seen {
		result.Outcome = OutcomeSkipped
		result.Reason = "duplicate submission"

		s.logger.Debug("skipped duplicate submission",
			slog.String("run_id", sub.RunID),
			slog.String("kpi_id", sub.KPIID),
			slog.Time("timestamp", sub.Timestamp),
		)

		return result
	}

	// Step 3: extract the numeric value and append it to the series.
	value, err := ExtractValue(sub.Data)
	if err != nil {
		result.Outcome = OutcomeError
		result.Err = fmt.Errorf("kpi %q: %w", sub.KPIID, err)

		return result
	}

	point := DataPoint{
		Timestamp: sub.Timestamp,
		Value:     value,
		Metadata:  pointMetadata(sub),
	}
	if err := s.series.AppendPoint(ctx, sub.KPIID, sub.KPIType, point); err != nil {
		result.Outcome = OutcomeError
		result.Err = fmt.Errorf("%w: append point for kpi %q: %w", ErrStorage, sub.KPIID, err)

		return result
	}

	// Step 4: create the run package. First write wins; created=false means
	// an earlier delivery got past the ledger (expired marker or crash
	// before step 6) and the remaining steps are idempotent anyway.
	pkg := &RunPackage{
		RunID:     sub.RunID,
		KPIID:     sub.KPIID,
		Timestamp: sub.Timestamp,
		KPIType:   sub.KPIType,
		Data:      sub.Data,
		Chart:     sub.Chart,
		Analysis:  sub.Analysis,
		Metadata:  sub.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	created, err := s.packages.CreatePackage(ctx, pkg)
	if err != nil {
		result.Outcome = OutcomeError
		result.Err = fmt.Errorf("%w: create package for run %q kpi %q: %w", ErrStorage, sub.RunID, sub.KPIID, err)

		return result
	}

	if !created {
		s.logger.Debug("run package already exists",
			slog.String("run_id", sub.RunID),
			slog.String("kpi_id", sub.KPIID),
		)
	}

	// Step 5: mark the KPI completed in the job record.
	if err := s.completeKPI(ctx, sub.RunID, sub.KPIID); err != nil {
		result.Outcome = OutcomeError
		result.Err = err

		return result
	}

	// Step 6: record the idempotency marker, strictly after steps 3-5. A
	// failed marker write is logged but does not fail the element: the work
	// is already applied, and a redelivery reprocessing it is absorbed by
	// the first-write-wins package and the idempotent job update.
	if err := s.ledger.Record(ctx, sub.KPIID, sub.Timestamp, s.idempotencyTTL); err != nil {
		s.logger.Warn("idempotency marker write failed",
			slog.String("run_id", sub.RunID),
			slog.String("kpi_id", sub.KPIID),
			slog.Time("timestamp", sub.Timestamp),
			slog.String("error", err.Error()),
		)
	}

	result.Outcome = OutcomeProcessed

	return result
}

// completeKPI folds one KPI completion into the run's job record, creating an
// implicit record when the submission raced ahead of the scheduler.
func (s *Service) completeKPI(ctx context.Context, runID, kpiID string) error {
	completedAt := time.Now().UTC()

	updated, err := s.jobs.UpdateJob(ctx, runID, func(record *JobRecord) error {
		ApplyKPICompletion(record, kpiID, completedAt)

		return nil
	})

	switch {
	case errors.Is(err, ErrUnknownRun):
		record := NewImplicitJobRecord(runID, completedAt)
		ApplyKPICompletion(record, kpiID, completedAt)

		if putErr := s.jobs.PutJob(ctx, record); putErr != nil {
			return fmt.Errorf("%w: create implicit job record for run %q: %w", ErrStorage, runID, putErr)
		}

		s.logger.Info("created implicit job record",
			slog.String("run_id", runID),
			slog.String("kpi_id", kpiID),
		)

		return nil
	case err != nil:
		return fmt.Errorf("%w: update job record for run %q: %w", ErrStorage, runID, err)
	}

	s.logger.Debug("kpi completed",
		slog.String("run_id", runID),
		slog.String("kpi_id", kpiID),
		slog.String("job_status", updated.Status.String()),
	)

	return nil
}

// RecordError stores an out-of-band failure report and marks the KPIs it
// names as failed in the run's job record.
//
// Reports against unknown runs create an implicit job record first, the same
// as submissions do, so a run whose every KPI failed before the scheduler
// announced it still times out with full context. Marking failures is
// best-effort: a job record update failure is logged, not returned, because
// the report itself was already persisted for audit.
func (s *Service) RecordError(ctx context.Context, report *ErrorReport) error {
	if err := s.validator.ValidateErrorReport(report); err != nil {
		return err
	}

	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}

	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}

	if err := s.reports.RecordError(ctx, report); err != nil {
		return fmt.Errorf("%w: record error report for run %q: %w", ErrStorage, report.RunID, err)
	}

	for _, kpiID := range report.FailedKPIIDs() {
		if err := s.failKPI(ctx, report, kpiID); err != nil {
			s.logger.Warn("failed to mark kpi failure",
				slog.String("run_id", report.RunID),
				slog.String("kpi_id", kpiID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("recorded error report",
		slog.String("report_id", report.ReportID),
		slog.String("run_id", report.RunID),
		slog.String("component", report.Component),
		slog.Int("kpi_count", len(report.FailedKPIIDs())),
	)

	return nil
}

// failKPI folds one KPI failure into the run's job record.
func (s *Service) failKPI(ctx context.Context, report *ErrorReport, kpiID string) error {
	at := report.Timestamp

	_, err := s.jobs.UpdateJob(ctx, report.RunID, func(record *JobRecord) error {
		ApplyKPIFailure(record, kpiID, report.Message, report.RetryCount, at)

		return nil
	})

	if errors.Is(err, ErrUnknownRun) {
		record := NewImplicitJobRecord(report.RunID, at)
		ApplyKPIFailure(record, kpiID, report.Message, report.RetryCount, at)

		if putErr := s.jobs.PutJob(ctx, record); putErr != nil {
			return fmt.Errorf("create implicit job record: %w", putErr)
		}

		return nil
	}

	return err
}

// pointMetadata assembles the metadata stored with a series point: the
// submission's own metadata, plus the raw payload when the value had to be
// extracted from an object, plus any chart reference.
func pointMetadata(sub *Submission) map[string]interface{} {
	meta := make(map[string]interface{}, len(sub.Metadata)+2)
	for k, v := range sub.Metadata {
		meta[k] = v
	}

	if _, isObject := sub.Data.(map[string]interface{}); isObject {
		meta["raw"] = sub.Data
	}

	if sub.Chart != nil {
		meta["chart"] = sub.Chart
	}

	if len(meta) == 0 {
		return nil
	}

	return meta
}
