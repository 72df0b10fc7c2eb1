package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress/sinks"
)

func seededStatus(t *testing.T) *sinks.StatusSink {
	t.Helper()
	status := sinks.NewStatusSink(10)
	ts := time.Unix(1700000000, 0)
	report := &ingest.RunReport{RunID: "run-a", SourceName: "shop", Processed: 4, Failed: 1}
	require.NoError(t, status.Consume(context.Background(), []progress.Event{
		{RunID: "run-a", Source: "shop", TS: ts, Stage: progress.StageRunStart, Total: 5},
		{RunID: "run-a", Source: "shop", TS: ts, Stage: progress.StageRunDone, Report: report},
		{RunID: "run-b", Source: "news", TS: ts, Stage: progress.StageRunStart, Total: 9},
	}))
	return status
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzReportsFailures(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{Ready: map[string]ReadyCheck{
		"db":    func(context.Context) error { return errors.New("connection refused") },
		"blobs": func(context.Context) error { return nil },
	}}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	ok := NewServer(Options{Ready: map[string]ReadyCheck{
		"db": func(context.Context) error { return nil },
	}}, zap.NewNop())
	rec = serve(t, ok, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{Runs: seededStatus(t)}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []sinks.RunStatus `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, "run-b", body.Runs[0].RunID)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs?source=shop", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, 100, body.Runs[0].Percent)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{Runs: seededStatus(t)}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/run-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var run sinks.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, 4, run.Report.Processed)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsUnavailableWithoutReader(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{Runs: seededStatus(t), APIKey: "secret"}, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = serve(t, s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
