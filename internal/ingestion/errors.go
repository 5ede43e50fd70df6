package ingestion

import "errors"

// Failure taxonomy for the ingestion and orchestration core. All of these are
// static sentinel errors so callers can classify outcomes with errors.Is()
// without string matching.
var (
	// ErrValidation indicates a malformed or incomplete submission.
	// Not retriable; the caller must fix the payload.
	ErrValidation = errors.New("validation failed")

	// ErrMalformedValue indicates no numeric value could be extracted from a
	// submission's data payload. A subclass of validation failure.
	ErrMalformedValue = errors.New("malformed value")

	// ErrDuplicateSubmission indicates the (kpiId, timestamp) pair was already
	// applied. Not an error outcome: batches report it as skipped.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrStorage indicates a transient store failure. Safe to retry the whole
	// ingest call: every step before the idempotency marker is idempotent.
	ErrStorage = errors.New("storage failure")

	// ErrUnknownRun indicates a job record was absent for a submission's
	// runId. Treated as a race with run creation, not a rejection: the
	// service creates a best-effort record and continues.
	ErrUnknownRun = errors.New("unknown run")

	// ErrUnknownSeries indicates no time-series record exists for a kpiId.
	ErrUnknownSeries = errors.New("unknown series")

	// ErrDownstreamHandoff indicates the stage trigger could not be sent.
	// The monitor must not mark the run terminal; the next tick retries.
	ErrDownstreamHandoff = errors.New("downstream handoff failed")
)

// Sentinel errors for submission field validation.
var (
	ErrNilSubmission      = errors.New("submission cannot be nil")
	ErrMissingRunID       = errors.New("runId is required")
	ErrMissingKPIID       = errors.New("kpiId is required")
	ErrMissingTimestamp   = errors.New("timestamp is required")
	ErrMissingData        = errors.New("data is required")
	ErrMultiDataNotObject = errors.New("multi-KPI data must be an object keyed by KPI id")
	ErrNilErrorReport     = errors.New("error report cannot be nil")
	ErrMissingMessage     = errors.New("error message is required")
)
