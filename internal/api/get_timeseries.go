package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/api/middleware"
	"github.com/kpiflow-io/kpiflow/internal/downsample"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// handleGetTimeseries serves a stored KPI series, downsampled to a bounded
// number of points.
// GET /timeseries/{kpiId}?points=N
//
// The points parameter defaults to the configured cap and may not exceed it.
// Stored series hold scalar observations regardless of the KPI's chart type,
// so the read path always reduces with LTTB; the OHLC and categorical
// algorithms operate on chart payloads, which live in run packages.
//
// Response codes:
//   - 200 OK: Series found (downsampled flag says whether reduction happened)
//   - 400 Bad Request: Empty KPI id or invalid points parameter
//   - 404 Not Found: No series stored for the KPI
func (s *Server) handleGetTimeseries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	kpiID := s.resolveKPI(strings.TrimSpace(r.PathValue("kpiId")))
	if kpiID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("KPI id cannot be empty"))

		return
	}

	points, problem := s.parsePointsParam(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	record, err := s.series.GetSeries(ctx, kpiID)
	if err != nil {
		if errors.Is(err, ingestion.ErrUnknownSeries) {
			WriteErrorResponse(w, r, s.logger, NotFound("No series stored for KPI "+kpiID))

			return
		}

		s.logger.Error("Failed to load series",
			slog.String("correlation_id", correlationID),
			slog.String("kpi_id", kpiID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load series"))

		return
	}

	result, err := downsample.Downsample(seriesFromRecord(record), points)
	if err != nil {
		// Stored series satisfy the input invariants, so this indicates a
		// corrupted record rather than a bad request.
		s.logger.Error("Failed to downsample series",
			slog.String("correlation_id", correlationID),
			slog.String("kpi_id", kpiID),
			slog.Int("points", points),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to downsample series"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, mapSeriesResult(record, result))
}

// parsePointsParam parses the optional ?points= query parameter. Absent means
// the configured default; present values must be between 1 and the cap.
func (s *Server) parsePointsParam(r *http.Request) (int, *ProblemDetail) {
	raw := r.URL.Query().Get("points")
	if raw == "" {
		return s.config.SeriesPoints, nil
	}

	points, err := strconv.Atoi(raw)
	if err != nil {
		return 0, BadRequest("Invalid parameter 'points': must be a valid integer")
	}

	if points < 1 || points > s.config.SeriesPoints {
		return 0, BadRequest(
			fmt.Sprintf("Invalid parameter 'points': must be between 1 and %d", s.config.SeriesPoints),
		)
	}

	return points, nil
}

// seriesFromRecord projects a stored series record onto the downsampling
// engine's columnar form, carrying point metadata along when any point has it.
func seriesFromRecord(record *ingestion.TimeSeriesRecord) downsample.Series {
	n := len(record.DataPoints)

	series := downsample.Series{
		Kind:       downsample.KindLine,
		Timestamps: make([]time.Time, n),
		Values:     make([]float64, n),
	}

	hasMetadata := false

	for _, point := range record.DataPoints {
		if point.Metadata != nil {
			hasMetadata = true

			break
		}
	}

	if hasMetadata {
		series.Metadata = make([]map[string]interface{}, n)
	}

	for i, point := range record.DataPoints {
		series.Timestamps[i] = point.Timestamp
		series.Values[i] = point.Value

		if hasMetadata {
			series.Metadata[i] = point.Metadata
		}
	}

	return series
}

// mapSeriesResult converts a downsampled series back to the API response shape.
func mapSeriesResult(record *ingestion.TimeSeriesRecord, result downsample.Result) *SeriesResponse {
	out := result.Series
	points := make([]SeriesPoint, out.Len())

	for i := range points {
		points[i] = SeriesPoint{
			Timestamp: out.Timestamps[i],
			Value:     out.Values[i],
		}

		if out.Metadata != nil {
			points[i].Metadata = out.Metadata[i]
		}
	}

	return &SeriesResponse{
		KPIID:       record.KPIID,
		KPIType:     record.KPIType,
		Points:      points,
		TotalPoints: len(record.DataPoints),
		Returned:    len(points),
		Downsampled: result.Processed,
		LastUpdated: record.LastUpdated,
	}
}
