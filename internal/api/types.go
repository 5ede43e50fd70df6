// Package api provides the HTTP ingestion and read surface for the KPIFlow service.
package api

import (
	"net/http"
	"time"
)

type (
	// IngestSubmission is the wire form of one KPI submission on POST /ingest.
	// This is separate from the domain model (ingestion.Submission) to decouple
	// the API contract from internal domain types: the handler trims fields and
	// resolves KPI aliases before anything reaches the apply pipeline.
	//
	// A submission normally targets a single KPI (kpiId set). Multi-KPI
	// producers set kpiIds instead and send data as an object keyed by KPI id.
	IngestSubmission struct {
		RunID     string                 `json:"runId"`
		KPIID     string                 `json:"kpiId,omitempty"`
		KPIIDs    []string               `json:"kpiIds,omitempty"`
		Timestamp time.Time              `json:"timestamp"`
		KPIType   string                 `json:"kpiType,omitempty"`
		Data      interface{}            `json:"data"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
		Chart     *ChartRef              `json:"chart,omitempty"`
		Analysis  interface{}            `json:"analysis,omitempty"`
	}

	// ChartRef references a rendered chart artifact attached to a submission.
	ChartRef struct {
		URL       string `json:"url"`
		Type      string `json:"type,omitempty"`
		TimeRange string `json:"timeRange,omitempty"`
	}

	// IngestResponse is the batch response for POST /ingest.
	//
	// Batches are applied with per-element isolation, so Results always has
	// one entry per expanded element in input order. Success is true only
	// when no element errored; skipped duplicates count as success.
	IngestResponse struct {
		Success       bool               `json:"success"`
		Processed     int                `json:"processed"`
		Skipped       int                `json:"skipped"`
		Errors        int                `json:"errors"`
		Results       []SubmissionStatus `json:"results"`
		CorrelationID string             `json:"correlationId"`
		Timestamp     string             `json:"timestamp"`
	}

	// SubmissionStatus describes the outcome of a single element in the batch.
	// Multi-KPI submissions fan out before processing, so one request object
	// can contribute several entries (one per KPI id).
	//
	// Status carries the outcome; exactly one of timestamp (processed),
	// reason (skipped), or error (failed) accompanies it.
	SubmissionStatus struct {
		Index     int        `json:"index"`
		RunID     string     `json:"runId,omitempty"`
		KPIID     string     `json:"kpiId,omitempty"`
		Status    string     `json:"status"`
		Timestamp *time.Time `json:"timestamp,omitempty"`
		Reason    string     `json:"reason,omitempty"`
		Error     string     `json:"error,omitempty"`
	}

	// ErrorReportRequest is the wire form of POST /ingest/error.
	//
	// Upstream workflows disagree on the field carrying the failure text, so
	// message, error, and description are all accepted; the first non-empty
	// one wins.
	ErrorReportRequest struct {
		RunID       string                 `json:"runId"`
		KPIID       string                 `json:"kpiId,omitempty"`
		KPIIDs      []string               `json:"kpiIds,omitempty"`
		Timestamp   time.Time              `json:"timestamp"`
		Message     string                 `json:"message,omitempty"`
		Error       string                 `json:"error,omitempty"`
		Description string                 `json:"description,omitempty"`
		Component   string                 `json:"component,omitempty"`
		RetryCount  int                    `json:"retryCount,omitempty"`
		WorkflowID  string                 `json:"workflowId,omitempty"`
		ExecutionID string                 `json:"executionId,omitempty"`
		Details     map[string]interface{} `json:"details,omitempty"`
	}

	// ErrorReportResponse acknowledges an accepted error report (202).
	ErrorReportResponse struct {
		Accepted      bool   `json:"accepted"`
		ReportID      string `json:"reportId"`
		CorrelationID string `json:"correlationId"`
		Timestamp     string `json:"timestamp"`
	}

	// JobResponse represents a job record on GET /jobs/{runId}, with
	// per-KPI outcomes plus aggregate counts for quick inspection.
	JobResponse struct {
		RunID          string              `json:"runId"`
		Status         string              `json:"status"`
		ExpectedKPIIDs []string            `json:"expectedKpiIds"`
		KPIs           map[string]KPIState `json:"kpiStatus"`
		Completed      int                 `json:"completed"`
		Failed         int                 `json:"failed"`
		Expected       int                 `json:"expected"`
		CreatedAt      time.Time           `json:"createdAt"`
		UpdatedAt      time.Time           `json:"updatedAt"`
		ProcessedAt    *time.Time          `json:"processedAt,omitempty"`
	}

	// KPIState is the per-KPI entry in a JobResponse.
	KPIState struct {
		Status      string     `json:"status"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		Error       string     `json:"error,omitempty"`
		RetryCount  int        `json:"retryCount,omitempty"`
	}

	// SeriesResponse represents a KPI time series on GET /timeseries/{kpiId}.
	// TotalPoints is the stored point count before downsampling; Returned is
	// len(Points) after it.
	SeriesResponse struct {
		KPIID       string        `json:"kpiId"`
		KPIType     string        `json:"kpiType"`
		Points      []SeriesPoint `json:"points"`
		TotalPoints int           `json:"totalPoints"`
		Returned    int           `json:"returned"`
		Downsampled bool          `json:"downsampled"`
		LastUpdated time.Time     `json:"lastUpdated"`
	}

	// SeriesPoint is one observation in a SeriesResponse.
	SeriesPoint struct {
		Timestamp time.Time              `json:"timestamp"`
		Value     float64                `json:"value"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Version string `json:"version"`
		Uptime  string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// messageText returns the failure text of the report, preferring message,
// then error, then description.
func (r *ErrorReportRequest) messageText() string {
	switch {
	case r.Message != "":
		return r.Message
	case r.Error != "":
		return r.Error
	default:
		return r.Description
	}
}
