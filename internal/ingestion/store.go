// Package ingestion provides the persistence interfaces the ingestion and
// monitoring pipelines depend on.
//
// The domain package defines these interfaces to specify what it needs from
// storage, without depending on concrete implementations. Concrete
// implementations (in-memory, PostgreSQL, Badger) live in the
// internal/storage package and satisfy all of them through a single Store
// type over a flat key-value backend.
//
// The backend offers no multi-key transactions. Every method here is a
// single-key operation or a read-modify-write of one record; cross-record
// consistency comes from pure recomputation (see lifecycle.go) and the
// monitor's periodic re-scan, not from the store.
package ingestion

import (
	"context"
	"time"
)

// SeriesStore persists append-only time-series records, one per KPI.
type SeriesStore interface {
	// AppendPoint appends one data point to the series for kpiID, creating
	// the series record on first write. Implementations keep the stored
	// series in chronological order even when points arrive out of order,
	// and refresh the record's lastUpdated and totalPoints bookkeeping.
	//
	// kpiType is only applied on creation; an existing record keeps the
	// type it was created with.
	AppendPoint(ctx context.Context, kpiID, kpiType string, point DataPoint) error

	// GetSeries returns the full series record for kpiID, or ErrUnknownSeries
	// if no point was ever appended for it.
	GetSeries(ctx context.Context, kpiID string) (*TimeSeriesRecord, error)
}

// JobStore persists job records, one per scheduled run.
//
// There are no transactions underneath: UpdateJob is a read-modify-write and
// two concurrent updates to the same run can lose one writer's entry
// (last-writer-wins). Callers tolerate that by mutating through the pure
// lifecycle functions, which recompute the aggregate status from the whole
// record on every write.
type JobStore interface {
	// GetJob returns the job record for runID, or ErrUnknownRun if the
	// scheduler never announced the run (and ingestion never created it
	// implicitly).
	GetJob(ctx context.Context, runID string) (*JobRecord, error)

	// PutJob writes the record unconditionally, overwriting any existing
	// record for the same run.
	PutJob(ctx context.Context, record *JobRecord) error

	// UpdateJob loads the record for runID, applies mutate to a private
	// copy, and writes the result back. It returns ErrUnknownRun without
	// calling mutate when no record exists. A non-nil error from mutate
	// aborts the write and is returned verbatim.
	//
	// Returns the record as written so callers can log the resulting
	// status without a second read.
	UpdateJob(ctx context.Context, runID string, mutate func(*JobRecord) error) (*JobRecord, error)

	// ListOpenJobs returns every record that has not been handed off yet
	// (processedAt unset), in no particular order. This includes records
	// already in a terminal status whose handoff failed on a previous
	// monitor tick.
	ListOpenJobs(ctx context.Context) ([]*JobRecord, error)
}

// PackageStore persists run packages: the per-(run, KPI) payload snapshots
// the downstream stage consumes after handoff.
type PackageStore interface {
	// CreatePackage writes pkg only if no package exists for its
	// (runId, kpiId) pair. Returns created=false with a nil error when the
	// pair is already present; the existing package is never overwritten,
	// so a redelivered submission cannot clobber the first accepted value.
	CreatePackage(ctx context.Context, pkg *RunPackage) (created bool, err error)

	// GetPackage returns the stored package for the pair, or ErrStorage
	// wrapping a not-found condition if none exists.
	GetPackage(ctx context.Context, runID, kpiID string) (*RunPackage, error)
}

// Ledger is the idempotency ledger: short-lived markers keyed by
// (kpiId, timestamp) that suppress redeliveries of the same submission.
//
// Markers expire after a TTL, so the ledger bounds redelivery suppression in
// time rather than guaranteeing exactly-once forever. A marker is only
// written after a submission was fully applied; crash-before-Record means the
// redelivery reprocesses, which downstream writes absorb (series insert
// replaces the equal-timestamp point, package create is first-write-wins,
// job completion is idempotent per KPI).
type Ledger interface {
	// Seen reports whether a live marker exists for the pair. Expired
	// markers count as unseen.
	Seen(ctx context.Context, kpiID string, timestamp time.Time) (bool, error)

	// Record writes a marker for the pair with the given TTL, overwriting
	// (and re-arming) any existing marker.
	Record(ctx context.Context, kpiID string, timestamp time.Time, ttl time.Duration) error
}

// ReportStore persists error reports delivered by upstream workflows for
// later inspection.
type ReportStore interface {
	// RecordError stores the report under its generated report id.
	RecordError(ctx context.Context, report *ErrorReport) error
}

// HealthChecker verifies the storage backend is reachable and ready to serve
// requests. Used by the /health endpoint and readiness probes.
type HealthChecker interface {
	// HealthCheck returns nil if healthy, an error with details if not.
	HealthCheck(ctx context.Context) error
}
