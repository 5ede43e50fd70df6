// Package storage provides the flat key-value persistence layer for the
// kpiflow engine.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key layout. Every record class lives under its own prefix so the engine
// can scan one class without touching the others.
//
//	timeseries:{kpiId}          → TimeSeriesRecord
//	job:{runId}                 → JobRecord
//	package:{runId}:{kpiId}     → RunPackage
//	idempotency:{sha256}        → idempotency marker (TTL)
//	error:{reportId}            → ErrorReport
const (
	timeSeriesKeyPrefix  = "timeseries:"
	jobKeyPrefix         = "job:"
	packageKeyPrefix     = "package:"
	idempotencyKeyPrefix = "idempotency:"
	errorReportKeyPrefix = "error:"
)

// TimeSeriesKey returns the storage key for a KPI's time-series record.
func TimeSeriesKey(kpiID string) string {
	return timeSeriesKeyPrefix + kpiID
}

// JobKey returns the storage key for a run's job record.
func JobKey(runID string) string {
	return jobKeyPrefix + runID
}

// PackageKey returns the storage key for a (run, KPI) package.
func PackageKey(runID, kpiID string) string {
	return packageKeyPrefix + runID + ":" + kpiID
}

// IdempotencyKey returns the storage key for a submission's idempotency
// marker, scoped by (kpiId, timestamp).
//
// The pair is hashed rather than embedded verbatim so that caller-supplied
// identifiers cannot collide with the key separator, and so the key stays a
// fixed length regardless of KPI id size. The timestamp is normalized to UTC
// at full nanosecond precision before hashing; two submissions carry the same
// marker iff they name the same KPI at the same instant.
func IdempotencyKey(kpiID string, timestamp time.Time) string {
	input := kpiID + "\n" + timestamp.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(input))

	return idempotencyKeyPrefix + hex.EncodeToString(sum[:])
}

// ErrorReportKey returns the storage key for a stored error report.
func ErrorReportKey(reportID string) string {
	return errorReportKeyPrefix + reportID
}
