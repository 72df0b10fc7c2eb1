package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/clock"
	"github.com/JakeFAU/ingest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: queued events before Emit starts dropping (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 100).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - SinkTimeout: per-sink deadline for one flush (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

type runState struct {
	id     string
	source string
	last   int
}

// Hub fans events out to sinks. It also adapts the orchestrator's progress
// callbacks into events, so it can be passed wherever an
// ingest.ProgressSink is expected.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
	lastLog atomic.Int64
	closed  atomic.Bool

	runMu sync.Mutex
	run   runState

	closeOnce sync.Once
	closeCtx  context.Context
}

var (
	_ ingest.ProgressSink = (*Hub)(nil)
	_ ingest.RunObserver  = (*Hub)(nil)
)

// NewHub starts the batching goroutine over sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.loop()
	return h
}

// RunStarted opens a run; later progress updates are attributed to it.
func (h *Hub) RunStarted(runID, source string, total int) {
	h.runMu.Lock()
	h.run = runState{id: runID, source: source, last: -1}
	h.runMu.Unlock()
	h.Emit(Event{RunID: runID, Source: source, TS: h.cfg.Clock.Now(), Stage: StageRunStart, Total: total})
}

// ReportProgress emits a PROGRESS event for the current run. Values that do
// not advance the last reported percent are dropped.
func (h *Hub) ReportProgress(percent int) {
	h.runMu.Lock()
	run := h.run
	advanced := run.id != "" && percent > run.last
	if advanced {
		h.run.last = percent
	}
	h.runMu.Unlock()
	if !advanced {
		return
	}
	h.Emit(Event{RunID: run.id, Source: run.source, TS: h.cfg.Clock.Now(), Stage: StageProgress, Percent: percent})
}

// RunFinished closes the current run with its report.
func (h *Hub) RunFinished(report ingest.RunReport, err error) {
	evt := Event{
		RunID:  report.RunID,
		Source: report.SourceName,
		TS:     h.cfg.Clock.Now(),
		Stage:  StageRunDone,
		Report: &report,
	}
	if err != nil {
		evt.Stage = StageRunError
		evt.Note = err.Error()
	}
	h.runMu.Lock()
	h.run = runState{}
	h.runMu.Unlock()
	h.Emit(evt)
}

// Emit queues evt without blocking. When the buffer is full the event is
// dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastLog.Load()
		if now-last >= dropLogInterval.Nanoseconds() && h.lastLog.CompareAndSwap(last, now) {
			h.logger.Warn("progress events dropped", zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close drains queued events, flushes and closes the sinks, and waits for the
// background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	for {
		select {
		case evt := <-h.events:
			if len(batch) == 0 {
				timer.Reset(h.cfg.MaxBatchWait)
			}
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents || evt.Terminal() {
				timer.Stop()
				batch = h.flush(batch)
			}
		case <-timer.C:
			batch = h.flush(batch)
		case <-h.stopCh:
			timer.Stop()
		drain:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
