package sinks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
)

const defaultStatusRetention = 32

// RunStatus is the latest known state of one run.
type RunStatus struct {
	RunID     string            `json:"run_id"`
	Source    string            `json:"source"`
	Stage     progress.Stage    `json:"stage"`
	Total     int               `json:"total"`
	Percent   int               `json:"percent"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Report    *ingest.RunReport `json:"report,omitempty"`
	Note      string            `json:"note,omitempty"`
}

// StatusSink keeps an in-memory view of recent runs for the admin API.
// The oldest runs are evicted once retention is exceeded.
type StatusSink struct {
	retention int

	mu    sync.RWMutex
	runs  map[string]*RunStatus
	order []string
}

// NewStatusSink keeps at most retention runs (default 32).
func NewStatusSink(retention int) *StatusSink {
	if retention <= 0 {
		retention = defaultStatusRetention
	}
	return &StatusSink{retention: retention, runs: make(map[string]*RunStatus)}
}

// Consume folds events into the per-run view.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		st, ok := s.runs[evt.RunID]
		if !ok {
			st = &RunStatus{RunID: evt.RunID, Source: evt.Source, StartedAt: evt.TS}
			s.runs[evt.RunID] = st
			s.order = append(s.order, evt.RunID)
			s.evictLocked()
		}
		st.Stage = evt.Stage
		st.UpdatedAt = evt.TS
		switch evt.Stage {
		case progress.StageRunStart:
			st.Total = evt.Total
			st.StartedAt = evt.TS
		case progress.StageProgress:
			st.Percent = max(st.Percent, evt.Percent)
		case progress.StageRunDone, progress.StageRunError:
			report := *evt.Report
			st.Report = &report
			st.Note = evt.Note
			if evt.Stage == progress.StageRunDone {
				st.Percent = 100
			}
		}
	}
	return nil
}

// Runs returns the retained runs, most recently started first.
func (s *StatusSink) Runs() []RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunStatus, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		out = append(out, *s.runs[id])
	}
	return out
}

// Run returns one run by id.
func (s *StatusSink) Run(runID string) (RunStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[runID]
	if !ok {
		return RunStatus{}, false
	}
	return *st, true
}

// Close is a no-op.
func (s *StatusSink) Close(context.Context) error {
	return nil
}

func (s *StatusSink) evictLocked() {
	for len(s.order) > s.retention {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}
