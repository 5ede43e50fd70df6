// Package ingestion provides the KPI ingestion domain: submissions, time-series
// records, run packages, job records, and the idempotent apply pipeline that
// folds at-least-once deliveries into the shared store.
package ingestion

import (
	"time"
)

type (
	// Submission represents one per-KPI result delivered by an upstream
	// workflow execution - Domain Model.
	//
	// This is a pure domain model without JSON tags. The API layer uses
	// IngestSubmission for JSON unmarshaling and maps to this domain type
	// after trimming and alias resolution.
	//
	// A submission normally targets a single KPI (KPIID set). Multi-KPI
	// producers deliver one submission carrying KPIIDs plus a Data object
	// keyed by KPI id; ExpandSubmission fans it out before processing.
	Submission struct {
		// RunID identifies the scheduled run this result belongs to.
		// Opaque unique string, maintained by the upstream scheduler.
		RunID string

		// KPIID identifies the indicator this value belongs to.
		// Empty for multi-KPI submissions (KPIIDs set instead).
		KPIID string

		// KPIIDs lists the indicators covered by a multi-KPI submission.
		// When set, Data must be an object keyed by KPI id.
		KPIIDs []string

		// Timestamp is the collection time of the value (not arrival time).
		// Used for series ordering and idempotency, so out-of-order and
		// re-delivered submissions converge on the same point.
		Timestamp time.Time

		// KPIType is a free-form tag describing the series kind
		// (e.g. "line", "ohlc", "percentage"). Stored, not interpreted here.
		KPIType string

		// Data is the loosely-typed payload: a bare number, or an object
		// containing one. ExtractValue applies the extraction policy.
		Data interface{}

		// Metadata is an opaque bag carried through to the stored point.
		Metadata map[string]interface{}

		// Chart optionally references a rendered chart for this value.
		Chart *ChartInfo

		// Analysis is an opaque pre-computed analysis payload. Carried into
		// the run package untouched; never interpreted here.
		Analysis interface{}
	}

	// ChartInfo references a rendered chart artifact attached to a submission.
	ChartInfo struct {
		URL       string `json:"url"`
		Type      string `json:"type,omitempty"`
		TimeRange string `json:"timeRange,omitempty"`
	}

	// DataPoint is one (timestamp, value) observation in a KPI series.
	//
	// JSON tags define the durable store format ("timeseries:{kpiId}" values),
	// which must stay wire-compatible with existing records.
	DataPoint struct {
		Timestamp time.Time              `json:"timestamp"`
		Value     float64                `json:"value"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
	}

	// SeriesMetadata carries bounded bookkeeping for a time-series record.
	SeriesMetadata struct {
		Created     time.Time `json:"created"`
		TotalPoints int       `json:"totalPoints"`
	}

	// TimeSeriesRecord is the append-only, chronologically-ordered value log
	// for one KPI, independent of any single run.
	//
	// Invariant: DataPoints is strictly increasing by Timestamp after every
	// mutation. Duplicate (kpiId, timestamp) pairs are excluded by the
	// idempotency ledger before a point is inserted.
	TimeSeriesRecord struct {
		KPIID       string         `json:"kpiId"`
		KPIType     string         `json:"kpiType"`
		DataPoints  []DataPoint    `json:"dataPoints"`
		LastUpdated time.Time      `json:"lastUpdated"`
		Metadata    SeriesMetadata `json:"metadata"`
	}

	// RunPackage is the per-(run, KPI) snapshot consumed by downstream stages.
	// Created at most once per pair; a retried submission re-writes the same
	// content, never regresses a previously completed package.
	RunPackage struct {
		RunID     string                 `json:"runId"`
		KPIID     string                 `json:"kpiId"`
		Timestamp time.Time              `json:"timestamp"`
		KPIType   string                 `json:"kpiType"`
		Data      interface{}            `json:"data"`
		Chart     *ChartInfo             `json:"chart,omitempty"`
		Analysis  interface{}            `json:"analysis"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
		CreatedAt time.Time              `json:"createdAt"`
	}

	// JobStatus represents the aggregate state of a run.
	JobStatus string

	// KPIStatus represents the outcome of one KPI within a run.
	KPIStatus string

	// KPIState is the per-KPI entry in a job record's status map.
	KPIState struct {
		Status      KPIStatus  `json:"status"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		Error       string     `json:"error,omitempty"`
		RetryCount  int        `json:"retryCount,omitempty"`
	}

	// JobRecord is the per-run bookkeeping record ("job:{runId}" values).
	//
	// Invariants:
	//   - Status only moves forward (pending → active → terminal).
	//   - Once ProcessedAt is set the record is immutable except for audit
	//     fields; late completions still land in the time-series store but
	//     never reopen the run.
	JobRecord struct {
		RunID          string                 `json:"runId"`
		Status         JobStatus              `json:"status"`
		ExpectedKPIIDs []string               `json:"expectedKpiIds"`
		KPIs           map[string]KPIState    `json:"kpiStatus"`
		CreatedAt      time.Time              `json:"createdAt"`
		UpdatedAt      time.Time              `json:"updatedAt"`
		ProcessedAt    *time.Time             `json:"processedAt,omitempty"`
		Metadata       map[string]interface{} `json:"metadata,omitempty"`
	}

	// ErrorReport is an out-of-band failure report recorded for audit via
	// POST /ingest/error. Reports naming a KPI also mark that KPI failed in
	// the job record so the partial-completion path can recognize it.
	ErrorReport struct {
		ReportID    string                 `json:"reportId"`
		RunID       string                 `json:"runId"`
		KPIID       string                 `json:"kpiId,omitempty"`
		KPIIDs      []string               `json:"kpiIds,omitempty"`
		Timestamp   time.Time              `json:"timestamp"`
		Message     string                 `json:"message"`
		Component   string                 `json:"component,omitempty"`
		RetryCount  int                    `json:"retryCount,omitempty"`
		WorkflowID  string                 `json:"workflowId,omitempty"`
		ExecutionID string                 `json:"executionId,omitempty"`
		Details     map[string]interface{} `json:"details,omitempty"`
	}
)

const (
	// JobStatusPending indicates a run created by the scheduler with no
	// submissions applied yet.
	JobStatusPending JobStatus = "pending"

	// JobStatusActive indicates a run with at least one KPI outcome recorded
	// and a decision still pending.
	JobStatusActive JobStatus = "active"

	// JobStatusComplete indicates every expected KPI completed.
	// Terminal state.
	JobStatusComplete JobStatus = "complete"

	// JobStatusPartial indicates the run closed with a usable subset of KPIs
	// (mixed outcomes, or a timed-out run above the partial threshold).
	// Terminal state.
	JobStatusPartial JobStatus = "partial"

	// JobStatusTimeout indicates the run aged out with no completed KPIs and
	// no recorded failures. Terminal state.
	JobStatusTimeout JobStatus = "timeout"

	// JobStatusFailed indicates the run aged out with no completed KPIs and
	// at least one recorded failure. Terminal state.
	JobStatusFailed JobStatus = "failed"
)

const (
	// KPIStatusCompleted indicates a value was ingested for this KPI.
	KPIStatusCompleted KPIStatus = "completed"

	// KPIStatusFailed indicates an error report named this KPI.
	KPIStatusFailed KPIStatus = "failed"
)

// ValidJobStatuses returns all valid job statuses.
func ValidJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPending,
		JobStatusActive,
		JobStatusComplete,
		JobStatusPartial,
		JobStatusTimeout,
		JobStatusFailed,
	}
}

// String returns the string representation of JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks if the JobStatus is a valid enum value.
func (s JobStatus) IsValid() bool {
	for _, valid := range ValidJobStatuses() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the status is a sink state. Terminal records are
// skipped by the monitor's scan filter and never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusComplete, JobStatusPartial, JobStatusTimeout, JobStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of KPIStatus.
func (s KPIStatus) String() string {
	return string(s)
}

// IsValid checks if the KPIStatus is a valid enum value.
func (s KPIStatus) IsValid() bool {
	return s == KPIStatusCompleted || s == KPIStatusFailed
}

// IsMulti reports whether the submission is a multi-KPI fan-out payload.
func (s *Submission) IsMulti() bool {
	return len(s.KPIIDs) > 0
}

// NewTimeSeriesRecord creates an empty series record for a KPI first seen now.
func NewTimeSeriesRecord(kpiID, kpiType string, now time.Time) *TimeSeriesRecord {
	return &TimeSeriesRecord{
		KPIID:       kpiID,
		KPIType:     kpiType,
		DataPoints:  []DataPoint{},
		LastUpdated: now,
		Metadata: SeriesMetadata{
			Created:     now,
			TotalPoints: 0,
		},
	}
}

// Insert adds a point to the series and restores the chronological invariant.
// Submissions arrive ordered by collection pipeline, not by collection time,
// so every append re-sorts.
//
// A point with a timestamp already in the series replaces the stored one
// rather than duplicating it: the idempotency ledger normally suppresses
// redeliveries, but a marker write that failed or was lost to a crash lets
// the same (kpiId, timestamp) through again, and the series must stay
// strictly increasing either way. Returns the record for chaining in store
// code.
func (r *TimeSeriesRecord) Insert(point DataPoint, now time.Time) *TimeSeriesRecord {
	replaced := false

	for i := range r.DataPoints {
		if r.DataPoints[i].Timestamp.Equal(point.Timestamp) {
			r.DataPoints[i] = point
			replaced = true

			break
		}
	}

	if !replaced {
		r.DataPoints = append(r.DataPoints, point)
		SortDataPoints(r.DataPoints)
	}

	r.LastUpdated = now
	r.Metadata.TotalPoints = len(r.DataPoints)

	return r
}

// Clone returns a deep-enough copy of the record for read-modify-write cycles:
// the status map, expected list, and metadata map are fresh containers, so a
// mutation on the clone never aliases the snapshot it was read from.
func (j *JobRecord) Clone() *JobRecord {
	clone := *j

	clone.ExpectedKPIIDs = make([]string, len(j.ExpectedKPIIDs))
	copy(clone.ExpectedKPIIDs, j.ExpectedKPIIDs)

	clone.KPIs = make(map[string]KPIState, len(j.KPIs))
	for k, v := range j.KPIs {
		clone.KPIs[k] = v
	}

	if j.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			clone.Metadata[k] = v
		}
	}

	if j.ProcessedAt != nil {
		processedAt := *j.ProcessedAt
		clone.ProcessedAt = &processedAt
	}

	return &clone
}

// FailedKPIIDs returns the KPI ids the report names, merging the single kpiId
// field and the kpiIds list without duplicates. Order follows the report.
func (r *ErrorReport) FailedKPIIDs() []string {
	if r.KPIID == "" && len(r.KPIIDs) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(r.KPIIDs)+1)
	ids := make([]string, 0, len(r.KPIIDs)+1)

	add := func(id string) {
		if id == "" {
			return
		}

		if _, dup := seen[id]; dup {
			return
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	add(r.KPIID)

	for _, id := range r.KPIIDs {
		add(id)
	}

	return ids
}
