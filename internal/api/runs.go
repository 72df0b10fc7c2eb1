package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/ingest-orchestrator/internal/progress/sinks"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// listRuns handles GET /v1/runs?limit=&source=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run status unavailable")
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}
	source := r.URL.Query().Get("source")

	runs := make([]sinks.RunStatus, 0, limit)
	for _, run := range s.opts.Runs.Runs() {
		if source != "" && run.Source != source {
			continue
		}
		runs = append(runs, run)
		if len(runs) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /v1/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run status unavailable")
		return
	}
	run, ok := s.opts.Runs.Run(chi.URLParam(r, "run_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
