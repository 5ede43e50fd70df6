package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/api/middleware"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// handleIngestError handles out-of-band failure reports from upstream workflows.
// POST /ingest/error - Record a failure report and mark the named KPIs failed
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body or invalid JSON
//   - 422 Unprocessable Entity: Report fails domain validation (missing runId or message)
//
// Success response:
//   - 202 Accepted: Report persisted; KPI failure marking is best-effort
func (s *Server) handleIngestError(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		))

		return
	}

	if r.ContentLength == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Request body cannot be empty"))

		return
	}

	var request ErrorReportRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&request); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	report := s.mapErrorReport(&request)

	if err := s.pipeline.RecordError(r.Context(), report); err != nil {
		if errors.Is(err, ingestion.ErrValidation) {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

			return
		}

		s.logger.Error("Failed to record error report",
			slog.String("correlation_id", correlationID),
			slog.String("run_id", report.RunID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to record error report"))

		return
	}

	s.logger.Info("Error report accepted",
		slog.String("correlation_id", correlationID),
		slog.String("report_id", report.ReportID),
		slog.String("run_id", report.RunID),
		slog.String("component", report.Component),
	)

	response := ErrorReportResponse{
		Accepted:      true,
		ReportID:      report.ReportID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	s.sendJSON(w, r, http.StatusAccepted, response)
}

// mapErrorReport maps the wire form onto the domain model, folding the
// message/error/description variants into one message field and resolving
// KPI aliases so failure marks land on the canonical job record entries.
func (s *Server) mapErrorReport(req *ErrorReportRequest) *ingestion.ErrorReport {
	report := &ingestion.ErrorReport{
		RunID:       strings.TrimSpace(req.RunID),
		KPIID:       s.resolveKPI(strings.TrimSpace(req.KPIID)),
		Timestamp:   req.Timestamp,
		Message:     strings.TrimSpace(req.messageText()),
		Component:   strings.TrimSpace(req.Component),
		RetryCount:  req.RetryCount,
		WorkflowID:  strings.TrimSpace(req.WorkflowID),
		ExecutionID: strings.TrimSpace(req.ExecutionID),
		Details:     req.Details,
	}

	if len(req.KPIIDs) > 0 {
		ids := make([]string, len(req.KPIIDs))
		for i, id := range req.KPIIDs {
			ids[i] = s.resolveKPI(strings.TrimSpace(id))
		}

		report.KPIIDs = ids
	}

	return report
}
