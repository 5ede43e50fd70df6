package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kpiflow-io/kpiflow/internal/api/middleware"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// handleGetJob serves a single job record for operational inspection.
// GET /jobs/{runId}
//
// Response codes:
//   - 200 OK: Job record found
//   - 400 Bad Request: Empty run id
//   - 404 Not Found: No record for the run (never announced, never ingested)
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	runID := strings.TrimSpace(r.PathValue("runId"))
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Run id cannot be empty"))

		return
	}

	record, err := s.jobs.GetJob(ctx, runID)
	if err != nil {
		if errors.Is(err, ingestion.ErrUnknownRun) {
			WriteErrorResponse(w, r, s.logger, NotFound("No job record for run "+runID))

			return
		}

		s.logger.Error("Failed to load job record",
			slog.String("correlation_id", correlationID),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load job record"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, mapJobRecord(record))
}

// mapJobRecord converts a domain JobRecord to the API response shape. The
// aggregate counts come from the same tally the monitor's threshold math
// uses, so the console and the handoff decision never disagree.
func mapJobRecord(record *ingestion.JobRecord) *JobResponse {
	kpis := make(map[string]KPIState, len(record.KPIs))

	for kpiID, state := range record.KPIs {
		kpis[kpiID] = KPIState{
			Status:      state.Status.String(),
			CompletedAt: state.CompletedAt,
			Error:       state.Error,
			RetryCount:  state.RetryCount,
		}
	}

	completed, failed, total := ingestion.CountKPIOutcomes(record)

	expectedKPIIDs := record.ExpectedKPIIDs
	if expectedKPIIDs == nil {
		expectedKPIIDs = []string{}
	}

	return &JobResponse{
		RunID:          record.RunID,
		Status:         record.Status.String(),
		ExpectedKPIIDs: expectedKPIIDs,
		KPIs:           kpis,
		Completed:      completed,
		Failed:         failed,
		Expected:       total,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
		ProcessedAt:    record.ProcessedAt,
	}
}
