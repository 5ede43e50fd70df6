package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/kpiflow-io/kpiflow/internal/api/middleware"
	"github.com/kpiflow-io/kpiflow/internal/config"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
	"github.com/kpiflow-io/kpiflow/internal/storage"
)

// integrationTestServer bundles the server with everything a test needs to
// drive the full middleware stack against a real PostgreSQL backend.
type integrationTestServer struct {
	server      *Server
	secret      string
	rateLimiter *middleware.InMemoryRateLimiter
}

// setupIntegrationServer creates a server backed by the PostgreSQL key-value
// store in a testcontainer, with ingest secret auth enabled and, optionally,
// a restrictive rate limiter for limit testing.
func setupIntegrationServer(ctx context.Context, t *testing.T, withRateLimiter bool) *integrationTestServer {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &storage.Connection{DB: testDB.Connection}

	kv, err := storage.NewPostgresKV(conn, time.Hour)
	require.NoError(t, err, "Failed to create postgres kv")
	t.Cleanup(func() {
		_ = kv.Close()
	})

	store, err := storage.NewStore(kv)
	require.NoError(t, err, "Failed to create store")

	secret, err := middleware.GenerateSecret()
	require.NoError(t, err, "Failed to generate ingest secret")

	registry := middleware.NewSecretRegistry()
	require.NoError(t, registry.AddPlain(testClientID, secret))

	var rateLimiter *middleware.InMemoryRateLimiter

	if withRateLimiter {
		// Restrictive limits so tests can exhaust them quickly.
		rateLimiter = middleware.NewInMemoryRateLimiter(&middleware.Config{
			GlobalRPS: 100,
			ClientRPS: 2,
			UnAuthRPS: 1,
		})
		t.Cleanup(func() {
			_ = rateLimiter.Close()
		})
	}

	cfg := LoadServerConfig()
	cfg.LogLevel = slog.LevelError

	deps := Dependencies{
		Pipeline: ingestion.NewService(store, store, store, store, store),
		Jobs:     store,
		Series:   store,
		Health:   store,
		Registry: registry,
	}
	if rateLimiter != nil {
		deps.RateLimiter = rateLimiter
	}

	return &integrationTestServer{
		server:      NewServer(cfg, deps),
		secret:      secret,
		rateLimiter: rateLimiter,
	}
}

// do runs a request through the full middleware chain and routes.
func (its *integrationTestServer) do(req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	its.server.httpServer.Handler.ServeHTTP(recorder, req)

	return recorder
}

// authedIngest builds an authenticated POST /ingest request.
func (its *integrationTestServer) authedIngest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingest-Secret", testClientID+":"+its.secret)

	return req
}

// TestIngestEndToEnd drives a full run through the real stack: batch ingest,
// duplicate suppression, job record aggregation, and the downsampled read
// path, all over the PostgreSQL backend.
func TestIngestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	its := setupIntegrationServer(ctx, t, false)

	t.Run("batch ingest creates series and job record", func(t *testing.T) {
		body := `[
			{"runId":"run-e2e","kpiId":"btc_price","timestamp":"2026-08-25T10:00:00Z","kpiType":"financial","data":{"price":45000}},
			{"runId":"run-e2e","kpiId":"eth_price","timestamp":"2026-08-25T10:00:00Z","kpiType":"financial","data":61.25}
		]`

		recorder := its.do(its.authedIngest(body))
		require.Equal(t, http.StatusOK, recorder.Code, "Body: %s", recorder.Body.String())

		var resp IngestResponse

		decodeJSON(t, recorder, &resp)
		assert.True(t, resp.Success)
		assert.Equal(t, 2, resp.Processed)
		assert.Equal(t, 0, resp.Skipped)
		assert.Len(t, resp.Results, 2)
	})

	t.Run("redelivery is skipped as duplicate", func(t *testing.T) {
		body := `{"runId":"run-e2e","kpiId":"btc_price","timestamp":"2026-08-25T10:00:00Z","kpiType":"financial","data":{"price":99999}}`

		recorder := its.do(its.authedIngest(body))
		require.Equal(t, http.StatusOK, recorder.Code, "Body: %s", recorder.Body.String())

		var resp IngestResponse

		decodeJSON(t, recorder, &resp)
		assert.Equal(t, 0, resp.Processed)
		assert.Equal(t, 1, resp.Skipped)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "skipped", resp.Results[0].Status)
	})

	t.Run("job record reflects completions", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/run-e2e", nil)
		req.Header.Set("X-Ingest-Secret", testClientID+":"+its.secret)

		recorder := its.do(req)
		require.Equal(t, http.StatusOK, recorder.Code, "Body: %s", recorder.Body.String())

		var job JobResponse

		decodeJSON(t, recorder, &job)
		assert.Equal(t, "run-e2e", job.RunID)
		assert.Equal(t, 2, job.Completed)
		assert.Equal(t, "completed", job.KPIs["btc_price"].Status)
		assert.Equal(t, "completed", job.KPIs["eth_price"].Status)
	})

	t.Run("series read returns the first-write value", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/timeseries/btc_price", nil)
		req.Header.Set("X-Ingest-Secret", testClientID+":"+its.secret)

		recorder := its.do(req)
		require.Equal(t, http.StatusOK, recorder.Code, "Body: %s", recorder.Body.String())

		var series SeriesResponse

		decodeJSON(t, recorder, &series)
		require.Len(t, series.Points, 1)
		assert.InDelta(t, 45000.0, series.Points[0].Value, 0.0001)
	})
}

// TestAuthenticationAgainstRealBackend verifies the auth middleware in front
// of a real storage stack: unauthenticated ingest is rejected before any
// body processing, health endpoints stay public.
func TestAuthenticationAgainstRealBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	its := setupIntegrationServer(ctx, t, false)

	body := `{"runId":"run-auth","kpiId":"cpu","timestamp":"2026-08-25T10:00:00Z","data":1}`

	t.Run("missing secret rejected with problem details", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		recorder := its.do(req)
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
		assert.Equal(t, "application/problem+json", recorder.Header().Get("Content-Type"))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Ingest-Secret", testClientID+":kpiflow_sk_"+strings.Repeat("0", 64))

		recorder := its.do(req)
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("rejected request leaves no job record", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/run-auth", nil)
		req.Header.Set("X-Ingest-Secret", testClientID+":"+its.secret)

		recorder := its.do(req)
		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("health endpoints bypass auth", func(t *testing.T) {
		for _, endpoint := range []string{"/ping", "/ready", "/health"} {
			recorder := its.do(httptest.NewRequest(http.MethodGet, endpoint, nil))
			assert.Equal(t, http.StatusOK, recorder.Code, "endpoint %s", endpoint)
		}
	})
}

// TestRateLimitingAgainstRealBackend verifies the per-client limiter kicks in
// under rapid fire and that public health endpoints bypass it.
func TestRateLimitingAgainstRealBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	its := setupIntegrationServer(ctx, t, true)

	t.Run("client limit returns 429 under burst", func(t *testing.T) {
		limited := false

		// ClientRPS 2 with burst 4: the fifth rapid request must trip.
		for i := range 10 {
			body := `{"runId":"run-rate","kpiId":"k` + string(rune('a'+i)) +
				`","timestamp":"2026-08-25T10:00:00Z","data":1}`

			recorder := its.do(its.authedIngest(body))
			if recorder.Code == http.StatusTooManyRequests {
				limited = true

				assert.Equal(t, "application/problem+json", recorder.Header().Get("Content-Type"))

				break
			}

			require.Equal(t, http.StatusOK, recorder.Code, "Body: %s", recorder.Body.String())
		}

		assert.True(t, limited, "expected at least one rate-limited response")
	})

	t.Run("health endpoints bypass rate limiting", func(t *testing.T) {
		for range 20 {
			recorder := its.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
			require.Equal(t, http.StatusOK, recorder.Code)
		}
	})
}
