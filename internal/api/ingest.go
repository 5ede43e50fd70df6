package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/api/middleware"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// handleIngest handles KPI submission ingestion.
// POST /ingest - Ingest a single submission object or a batch array
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or empty submission array
//
// Success responses:
//   - 200 OK: Every element processed or skipped as a duplicate
//   - 207 Multi-Status: Partial success (some applied, some failed)
//   - 422 Unprocessable Entity: All elements failed
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Parse and validate request
	submissions, problem := s.parseIngestRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Map API requests to domain models (trim, alias resolution)
	domainSubs := make([]*ingestion.Submission, len(submissions))
	for i := range submissions {
		domainSubs[i] = s.mapSubmission(&submissions[i])
	}

	// Apply the batch with per-element isolation
	outcomes := s.pipeline.Ingest(r.Context(), domainSubs)

	// Build response
	response := buildIngestResponse(correlationID, outcomes)

	// Send response (returns status code for logging)
	statusCode := determineIngestStatusCode(response)
	s.sendJSON(w, r, statusCode, response)

	// Log success with duration
	duration := time.Since(startTime)
	s.logger.Info("Submissions processed",
		slog.String("correlation_id", response.CorrelationID),
		slog.Int("received", len(submissions)),
		slog.Int("processed", response.Processed),
		slog.Int("skipped", response.Skipped),
		slog.Int("errors", response.Errors),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	)
}

// parseIngestRequest parses and validates the HTTP request body.
//
// The endpoint accepts both a single submission object and an array of
// submissions; a leading '[' after whitespace selects the batch form. Single
// objects are wrapped into a one-element batch so the rest of the pipeline
// only sees batches.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Empty array check
func (s *Server) parseIngestRequest(r *http.Request) ([]IngestSubmission, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		return nil, BadRequest("Failed to read request body: " + err.Error())
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var submissions []IngestSubmission

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &submissions); err != nil {
			return nil, BadRequest("Invalid JSON: " + err.Error())
		}
	} else {
		var single IngestSubmission
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, BadRequest("Invalid JSON: " + err.Error())
		}

		submissions = []IngestSubmission{single}
	}

	// Empty request check
	if len(submissions) == 0 {
		return nil, BadRequest("Submission array cannot be empty")
	}

	return submissions, nil
}

// mapSubmission maps an API request type to the domain model.
// This explicit mapping layer decouples the API contract from internal domain types.
//
// The mapping performs:
//   - Whitespace trimming on identifier fields
//   - KPI alias resolution (critical for renamed indicators)
//
// For multi-KPI submissions the data object is re-keyed by resolved id, so
// the fan-out in the pipeline finds each KPI's slice under its canonical name.
// Validation is delegated to the domain layer (ingestion.Validator).
func (s *Server) mapSubmission(req *IngestSubmission) *ingestion.Submission {
	sub := &ingestion.Submission{
		RunID:     strings.TrimSpace(req.RunID),
		KPIID:     s.resolveKPI(strings.TrimSpace(req.KPIID)),
		Timestamp: req.Timestamp,
		KPIType:   strings.TrimSpace(req.KPIType),
		Data:      req.Data,
		Metadata:  req.Metadata,
		Analysis:  req.Analysis,
	}

	if len(req.KPIIDs) > 0 {
		ids := make([]string, len(req.KPIIDs))
		for i, id := range req.KPIIDs {
			ids[i] = s.resolveKPI(strings.TrimSpace(id))
		}

		sub.KPIIDs = ids
		sub.Data = s.rekeyMultiData(req.Data)
	}

	if req.Chart != nil {
		sub.Chart = &ingestion.ChartInfo{
			URL:       strings.TrimSpace(req.Chart.URL),
			Type:      strings.TrimSpace(req.Chart.Type),
			TimeRange: strings.TrimSpace(req.Chart.TimeRange),
		}
	}

	return sub
}

// rekeyMultiData rewrites a multi-KPI data object so its keys carry resolved
// KPI ids. Producers key the object by the ids they sent; after alias
// resolution those keys would no longer match the expanded elements. Keys
// without an alias pass through unchanged, and non-object data passes through
// for the validator to reject.
func (s *Server) rekeyMultiData(data interface{}) interface{} {
	byKPI, isObject := data.(map[string]interface{})
	if !isObject {
		return data
	}

	rekeyed := make(map[string]interface{}, len(byKPI))
	for key, value := range byKPI {
		rekeyed[s.resolveKPI(strings.TrimSpace(key))] = value
	}

	return rekeyed
}

// buildIngestResponse aggregates per-element outcomes into an IngestResponse.
//
// Skipped duplicates are successes: the value is already in the store, so the
// producer has nothing to retry.
func buildIngestResponse(correlationID string, outcomes []ingestion.SubmissionResult) *IngestResponse {
	results := make([]SubmissionStatus, len(outcomes))
	processed, skipped, failed := 0, 0, 0

	for i, outcome := range outcomes {
		entry := SubmissionStatus{
			Index:  i,
			RunID:  outcome.RunID,
			KPIID:  outcome.KPIID,
			Status: string(outcome.Outcome),
		}

		switch outcome.Outcome {
		case ingestion.OutcomeProcessed:
			processed++

			if !outcome.Timestamp.IsZero() {
				appliedAt := outcome.Timestamp
				entry.Timestamp = &appliedAt
			}
		case ingestion.OutcomeSkipped:
			skipped++

			entry.Reason = outcome.Reason
		case ingestion.OutcomeError:
			failed++

			if outcome.Err != nil {
				entry.Error = outcome.Err.Error()
			}
		}

		results[i] = entry
	}

	return &IngestResponse{
		Success:       failed == 0,
		Processed:     processed,
		Skipped:       skipped,
		Errors:        failed,
		Results:       results,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// determineIngestStatusCode determines the HTTP status code from the batch response.
//
// Status code logic:
//   - 200 OK: No element failed (processed and skipped only)
//   - 207 Multi-Status: Partial success (some applied, some failed)
//   - 422 Unprocessable Entity: All elements failed
func determineIngestStatusCode(response *IngestResponse) int {
	if response.Errors == 0 {
		return http.StatusOK
	}

	if response.Processed > 0 || response.Skipped > 0 {
		return http.StatusMultiStatus
	}

	return http.StatusUnprocessableEntity
}
