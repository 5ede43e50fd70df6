// Package ingestion provides the job record state machine: forward-only
// status transitions and the pure aggregate recomputation that concurrent
// read-modify-write updates rely on.
//
// The underlying store offers no transactions, so two submissions completing
// different KPIs of the same run can race and one write can be lost
// (last-writer-wins). Every function here is therefore a pure function of the
// full record: a lost single-entry update merely delays convergence, because
// the next writer's recomputation sees a fresher snapshot and the monitor's
// periodic re-scan is the backstop.
package ingestion

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Sentinel errors for job status transitions.
var (
	// ErrInvalidStatusTransition indicates a backward or undefined transition.
	ErrInvalidStatusTransition = errors.New("invalid job status transition")

	// ErrJobRecordImmutable indicates a mutation attempt on a processed
	// (terminal, handed-off) job record.
	ErrJobRecordImmutable = errors.New("processed job record is immutable")
)

// metadataKeyImplicit marks job records created by ingestion racing ahead of
// the scheduler, so operators can tell them from scheduler-created runs.
const metadataKeyImplicit = "implicitlyCreated"

// NewJobRecord creates a pending job record for a scheduled run.
func NewJobRecord(runID string, expectedKPIIDs []string, now time.Time) *JobRecord {
	expected := make([]string, len(expectedKPIIDs))
	copy(expected, expectedKPIIDs)

	return &JobRecord{
		RunID:          runID,
		Status:         JobStatusPending,
		ExpectedKPIIDs: expected,
		KPIs:           make(map[string]KPIState),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewImplicitJobRecord creates a best-effort job record for a submission that
// arrived before the scheduler registered the run. The expected KPI set is
// unknown (empty), which changes how the monitor evaluates the record: it can
// never be declared complete, only partial or timed out once aged.
func NewImplicitJobRecord(runID string, now time.Time) *JobRecord {
	record := NewJobRecord(runID, nil, now)
	record.Status = JobStatusActive
	record.Metadata = map[string]interface{}{
		metadataKeyImplicit: true,
	}

	return record
}

// IsImplicit reports whether the record was created by ingestion rather than
// the scheduler.
func (j *JobRecord) IsImplicit() bool {
	if j.Metadata == nil {
		return false
	}

	implicit, ok := j.Metadata[metadataKeyImplicit].(bool)

	return ok && implicit
}

// ValidateStatusTransition validates a job status transition.
//
// Valid transitions:
//   - pending → {active, complete, partial, timeout, failed}
//   - active → {complete, partial, timeout, failed}
//   - any state → itself (idempotent re-apply)
//
// Terminal states (complete, partial, timeout, failed) are sinks: any
// transition to a different state fails. The status never regresses.
func ValidateStatusTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: from %s to %s (terminal states are sinks)", ErrInvalidStatusTransition, from, to)
	}

	// pending and active may move forward to anything except back to pending.
	if to == JobStatusPending {
		return fmt.Errorf("%w: from %s to %s (cannot transition backwards)", ErrInvalidStatusTransition, from, to)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: from %s to %s (unknown target status)", ErrInvalidStatusTransition, from, to)
	}

	return nil
}

// ComputeAggregateStatus recomputes a run's aggregate status purely from the
// expected set and the full per-KPI status map:
//
//   - complete when every expected KPI is completed,
//   - partial when every expected KPI has an outcome, with at least one
//     completed and at least one failed (none pending),
//   - active otherwise.
//
// Records with no expectations (implicit creation) never aggregate past
// active here; timing them out is the monitor's call, not ingestion's.
// Terminal decisions driven by age (timeout, threshold partial) also belong
// to the monitor; this function only reflects what the KPI map proves.
func ComputeAggregateStatus(expectedKPIIDs []string, kpis map[string]KPIState) JobStatus {
	total := len(expectedKPIIDs)
	if total == 0 {
		return JobStatusActive
	}

	completed, failed := 0, 0

	for _, kpiID := range expectedKPIIDs {
		state, ok := kpis[kpiID]
		if !ok {
			continue
		}

		switch state.Status {
		case KPIStatusCompleted:
			completed++
		case KPIStatusFailed:
			failed++
		}
	}

	switch {
	case completed == total:
		return JobStatusComplete
	case completed+failed == total && completed > 0 && failed > 0:
		return JobStatusPartial
	default:
		return JobStatusActive
	}
}

// ApplyKPICompletion marks one KPI completed on the record and recomputes the
// aggregate status. The mutation is rejected (no-op, nil error) when the
// record is already processed: late completions never reopen a terminal run.
//
// The recomputed status is only applied when it is a valid forward
// transition, which keeps the monotonicity invariant even when two racy
// writers interleave complete and stale snapshots.
func ApplyKPICompletion(record *JobRecord, kpiID string, completedAt time.Time) *JobRecord {
	if record.ProcessedAt != nil {
		return record
	}

	if record.KPIs == nil {
		record.KPIs = make(map[string]KPIState)
	}

	at := completedAt
	record.KPIs[kpiID] = KPIState{
		Status:      KPIStatusCompleted,
		CompletedAt: &at,
	}
	record.UpdatedAt = completedAt

	promoteStatus(record, completedAt)

	return record
}

// ApplyKPIFailure marks one KPI failed (from an error report) and recomputes
// the aggregate status. Processed records are left untouched. A failure never
// overwrites a recorded completion: completed data stays counted.
func ApplyKPIFailure(record *JobRecord, kpiID, message string, retryCount int, at time.Time) *JobRecord {
	if record.ProcessedAt != nil {
		return record
	}

	if record.KPIs == nil {
		record.KPIs = make(map[string]KPIState)
	}

	if existing, ok := record.KPIs[kpiID]; ok && existing.Status == KPIStatusCompleted {
		return record
	}

	record.KPIs[kpiID] = KPIState{
		Status:     KPIStatusFailed,
		Error:      message,
		RetryCount: retryCount,
	}
	record.UpdatedAt = at

	promoteStatus(record, at)

	return record
}

// promoteStatus moves the record to the recomputed aggregate status when that
// is a legal forward transition, and promotes pending records touched by
// their first outcome to active.
func promoteStatus(record *JobRecord, at time.Time) {
	next := ComputeAggregateStatus(record.ExpectedKPIIDs, record.KPIs)

	if next == JobStatusActive && record.Status == JobStatusPending {
		record.Status = JobStatusActive

		return
	}

	if next == record.Status {
		return
	}

	if err := ValidateStatusTransition(record.Status, next); err != nil {
		return
	}

	record.Status = next
	record.UpdatedAt = at
}

// MarkProcessed stamps the terminal status and the processed marker after a
// successful handoff. Fails when the transition is not a legal forward move
// or the record was already processed.
func MarkProcessed(record *JobRecord, status JobStatus, processedAt time.Time) error {
	if record.ProcessedAt != nil {
		return fmt.Errorf("%w: run %s processed at %s", ErrJobRecordImmutable, record.RunID, record.ProcessedAt.Format(time.RFC3339))
	}

	if !status.IsTerminal() {
		return fmt.Errorf("%w: from %s to %s (processed status must be terminal)", ErrInvalidStatusTransition, record.Status, status)
	}

	if err := ValidateStatusTransition(record.Status, status); err != nil {
		return err
	}

	record.Status = status
	record.ProcessedAt = &processedAt
	record.UpdatedAt = processedAt

	return nil
}

// CountKPIOutcomes tallies completed and failed entries over the expected
// set, or over the observed map for records without expectations. The
// returned total is the denominator the monitor's threshold math uses.
func CountKPIOutcomes(record *JobRecord) (completed, failed, total int) {
	if len(record.ExpectedKPIIDs) > 0 {
		for _, kpiID := range record.ExpectedKPIIDs {
			state, ok := record.KPIs[kpiID]
			if !ok {
				continue
			}

			switch state.Status {
			case KPIStatusCompleted:
				completed++
			case KPIStatusFailed:
				failed++
			}
		}

		return completed, failed, len(record.ExpectedKPIIDs)
	}

	for _, state := range record.KPIs {
		switch state.Status {
		case KPIStatusCompleted:
			completed++
		case KPIStatusFailed:
			failed++
		}
	}

	return completed, failed, len(record.KPIs)
}

// SortDataPoints restores the chronological invariant on a series in place.
// Points are ordered by collection timestamp, not arrival order.
func SortDataPoints(points []DataPoint) {
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
}
