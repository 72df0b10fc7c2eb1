package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
)

// PrometheusSink exports run-level collectors. It registers its own
// collectors against the supplied registry.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	runPercent    *prometheus.GaugeVec
	runItems      *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors on reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_started_total",
			Help: "Runs started per source.",
		}, []string{"source"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_completed_total",
			Help: "Runs completed per source and result.",
		}, []string{"source", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_runs_running",
			Help: "Runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"source", "result"}),
		runPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_run_progress_percent",
			Help: "Last reported progress of the current run per source.",
		}, []string{"source"}),
		runItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_run_items_total",
			Help: "Items accounted for by finished runs, by outcome.",
		}, []string{"source", "outcome"}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsRunning, s.runDuration, s.runPercent, s.runItems,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		source := evt.Source
		if source == "" {
			source = "unknown"
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(source).Inc()
			s.runPercent.WithLabelValues(source).Set(0)
			if s.track(evt.RunID, true) {
				s.runsRunning.Inc()
			}
		case progress.StageProgress:
			s.runPercent.WithLabelValues(source).Set(float64(evt.Percent))
		case progress.StageRunDone, progress.StageRunError:
			result := "success"
			if evt.Stage == progress.StageRunError {
				result = "error"
			}
			s.runsCompleted.WithLabelValues(source, result).Inc()
			if evt.Report.Elapsed > 0 {
				s.runDuration.WithLabelValues(source, result).Observe(evt.Report.Elapsed.Seconds())
			}
			s.runItems.WithLabelValues(source, "processed").Add(float64(evt.Report.Processed))
			s.runItems.WithLabelValues(source, "failed").Add(float64(evt.Report.Failed))
			if s.track(evt.RunID, false) {
				s.runsRunning.Dec()
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// track records a run as started or finished and reports whether the running
// set changed.
func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	if start {
		if ok {
			return false
		}
		s.running[runID] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, runID)
	return true
}
