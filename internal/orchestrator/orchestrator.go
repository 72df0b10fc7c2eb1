// Package orchestrator runs work items through bounded, batched fan-out:
// acquire a session, extract, persist, and account for every item.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ingest-orchestrator/internal/clock"
	"github.com/JakeFAU/ingest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/ingest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
	"github.com/JakeFAU/ingest-orchestrator/internal/retry"
	"github.com/JakeFAU/ingest-orchestrator/internal/session"
)

const tracerName = "github.com/JakeFAU/ingest-orchestrator/internal/orchestrator"

// Gate admits work under resource pressure. *governor.Governor implements it.
type Gate interface {
	ingest.Admitter
	Cooldown() time.Duration
}

// Option customizes an Orchestrator.
type Option func(*options)

type options struct {
	progress ingest.ProgressSink
	gate     Gate
	clock    clock.Clock
	collect  func()
	jitter   func() float64
}

// WithProgress sets the progress sink.
func WithProgress(p ingest.ProgressSink) Option {
	return func(o *options) { o.progress = p }
}

// WithGate consults g before every batch.
func WithGate(g Gate) Option {
	return func(o *options) { o.gate = g }
}

// WithClock overrides the clock used for cooldowns, backoff and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCollector overrides the between-batch GC hint (default runtime.GC).
func WithCollector(fn func()) Option {
	return func(o *options) { o.collect = fn }
}

// WithJitter overrides the source of cooldown randomness; fn returns [0, 1).
func WithJitter(fn func() float64) Option {
	return func(o *options) { o.jitter = fn }
}

// Orchestrator drives runs for one source. Sessions are of type S.
type Orchestrator[S ingest.Session] struct {
	cfg          Config
	width        int
	extractor    ingest.Extractor[S]
	sessions     *session.Pool[S]
	sink         ingest.PersistSink
	opts         options
	sessionRetry *retry.Policy
	extractRetry *retry.Policy
	ids          *uuid.Generator
	tracer       trace.Tracer
	logger       *zap.Logger
}

// New wires an orchestrator. sink may be nil, in which case extracted records
// are counted but not stored.
func New[S ingest.Session](
	cfg Config,
	extractor ingest.Extractor[S],
	sessions *session.Pool[S],
	sink ingest.PersistSink,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator[S], error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{
		clock:   system.New(),
		collect: runtime.GC,
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With(zap.String("source", cfg.SourceName))
	sessionRetry := retry.New("session_acquire", cfg.SessionRetry,
		retry.WithClock(o.clock),
		retry.WithLogger(logger),
		retry.WithRetryable(func(err error) bool { return !errors.Is(err, session.ErrPoolClosed) }),
	)
	extractRetry := retry.New("extract", cfg.ExtractRetry,
		retry.WithClock(o.clock),
		retry.WithLogger(logger),
	)
	return &Orchestrator[S]{
		cfg:          cfg,
		width:        workerWidth(cfg.WorkerCount),
		extractor:    extractor,
		sessions:     sessions,
		sink:         sink,
		opts:         o,
		sessionRetry: sessionRetry,
		extractRetry: extractRetry,
		ids:          uuid.NewUUIDGenerator(),
		tracer:       otel.Tracer(tracerName),
		logger:       logger,
	}, nil
}

// RunListed lists the work items and runs them. A listing failure yields an
// empty report together with the error.
func (o *Orchestrator[S]) RunListed(ctx context.Context, lister ingest.Lister) (ingest.RunReport, error) {
	items, err := lister.List(ctx)
	if err != nil {
		now := o.opts.clock.Now()
		report := ingest.RunReport{
			RunID:      o.newRunID(),
			SourceName: o.cfg.SourceName,
			StartedAt:  now,
			FinishedAt: now,
		}
		if !errors.Is(err, ingest.ErrListing) {
			err = fmt.Errorf("%w: %w", ingest.ErrListing, err)
		}
		o.logger.Error("listing failed", zap.String("run_id", report.RunID), zap.Error(err))
		if obs, ok := o.opts.progress.(ingest.RunObserver); ok {
			obs.RunFinished(report, err)
		}
		return report, err
	}
	return o.Run(ctx, items)
}

// Run processes items in batches and returns the run report. Per-item
// failures are counted, never returned. The error is non-nil only when ctx
// ended before every batch ran; items not attempted are counted as failed.
func (o *Orchestrator[S]) Run(ctx context.Context, items []ingest.WorkItem) (ingest.RunReport, error) {
	report := ingest.RunReport{
		RunID:      o.newRunID(),
		SourceName: o.cfg.SourceName,
		StartedAt:  o.opts.clock.Now(),
	}
	ctx, span := o.tracer.Start(ctx, "ingest.run", trace.WithAttributes(
		attribute.String("ingest.source", o.cfg.SourceName),
		attribute.String("ingest.run_id", report.RunID),
		attribute.Int("ingest.items", len(items)),
	))
	defer span.End()

	logger := o.logger.With(zap.String("run_id", report.RunID))
	observer, _ := o.opts.progress.(ingest.RunObserver)
	if observer != nil {
		observer.RunStarted(report.RunID, o.cfg.SourceName, len(items))
	}

	batches := ingest.Partition(items, o.cfg.BatchSize)
	logger.Info("run started",
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)),
		zap.Int("workers", o.width),
	)

	total := len(items)
	last := -1
	var runErr error
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			skipped := 0
			for _, rest := range batches[i:] {
				skipped += len(rest)
			}
			report.Failed += skipped
			metrics.ObserveItems(o.cfg.SourceName, "failed", skipped)
			runErr = fmt.Errorf("run %s stopped before batch %d: %w", report.RunID, i, err)
			logger.Warn("run canceled", zap.Int("skipped", skipped), zap.Error(err))
			break
		}
		o.admit(ctx, logger)

		processed, failed := o.runBatch(ctx, logger, i, batch)
		report.Processed += processed
		report.Failed += failed
		last = o.reportProgress(report.Total(), total, last)

		if i < len(batches)-1 {
			o.opts.collect()
			o.cooldown(ctx)
		}
	}
	o.reportProgress(total, total, last)

	report.FinishedAt = o.opts.clock.Now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	span.SetAttributes(
		attribute.Int("ingest.processed", report.Processed),
		attribute.Int("ingest.failed", report.Failed),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	logger.Info("run finished",
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	if observer != nil {
		observer.RunFinished(report, runErr)
	}
	return report, runErr
}

// Close closes the session pool.
func (o *Orchestrator[S]) Close() {
	o.sessions.CloseAll()
}

type outcome struct {
	index  int
	result ingest.Result
}

// runBatch fans the batch out and waits for every item or the batch deadline.
// Items still running at the deadline are failed; their late results are
// dropped into the buffered channel and ignored.
func (o *Orchestrator[S]) runBatch(ctx context.Context, logger *zap.Logger, index int, batch []ingest.WorkItem) (int, int) {
	start := o.opts.clock.Now()
	ctx, span := o.tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.Int("ingest.batch", index),
		attribute.Int("ingest.items", len(batch)),
	))
	defer span.End()

	batchCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	results := make(chan outcome, len(batch))
	go func() {
		var g errgroup.Group
		g.SetLimit(o.width)
		for i, item := range batch {
			if err := batchCtx.Err(); err != nil {
				results <- outcome{index: i, result: ingest.Result{Item: item, Err: err}}
				continue
			}
			g.Go(func() error {
				results <- outcome{index: i, result: o.processItem(batchCtx, item)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	done := make([]bool, len(batch))
	var processed, failed, collected int
	record := func(res ingest.Result) {
		if res.Err == nil {
			processed++
			metrics.ObserveItem(o.cfg.SourceName, "processed")
			return
		}
		failed++
		metrics.ObserveItem(o.cfg.SourceName, "failed")
		logger.Warn("item failed", zap.String("item_id", res.Item.ID), zap.Int("batch", index), zap.Error(res.Err))
	}

collect:
	for collected < len(batch) {
		select {
		case out := <-results:
			done[out.index] = true
			collected++
			record(out.result)
		case <-batchCtx.Done():
			break collect
		}
	}

	if collected < len(batch) {
		cause := ingest.ErrBatchTimeout
		if ctx.Err() != nil {
			cause = ctx.Err()
		}
		// Results that were already delivered still count.
	drain:
		for {
			select {
			case out := <-results:
				if !done[out.index] {
					done[out.index] = true
					record(out.result)
				}
			default:
				break drain
			}
		}
		for i, item := range batch {
			if !done[i] {
				record(ingest.Result{Item: item, Err: fmt.Errorf("item %s unfinished: %w", item.ID, cause)})
			}
		}
		span.SetStatus(codes.Error, cause.Error())
	}

	elapsed := o.opts.clock.Now().Sub(start)
	metrics.ObserveBatch(o.cfg.SourceName, elapsed)
	logger.Info("batch finished",
		zap.Int("batch", index),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Duration("elapsed", elapsed),
	)
	return processed, failed
}

// processItem runs one item end to end. Every failure is returned in the
// result.
func (o *Orchestrator[S]) processItem(ctx context.Context, item ingest.WorkItem) ingest.Result {
	ctx, span := o.tracer.Start(ctx, "ingest.item", trace.WithAttributes(attribute.String("ingest.item_id", item.ID)))
	defer span.End()

	fail := func(err error) ingest.Result {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ingest.Result{Item: item, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("item %s not started: %w", item.ID, err))
	}

	records, err := o.extract(ctx, item)
	if err != nil {
		return fail(err)
	}
	if len(records) > 0 && o.sink != nil {
		if _, err := o.sink.SaveBatch(ctx, o.cfg.SourceName, records); err != nil {
			var perr *ingest.PersistenceError
			if !errors.As(err, &perr) {
				err = &ingest.PersistenceError{Source: o.cfg.SourceName, Err: err}
			}
			return fail(err)
		}
	}
	return ingest.Result{Item: item, Records: records}
}

// extract holds a session only for the duration of the extraction.
func (o *Orchestrator[S]) extract(ctx context.Context, item ingest.WorkItem) ([]ingest.Record, error) {
	sess, err := retry.Do(ctx, o.sessionRetry, o.sessions.Acquire)
	if err != nil {
		if !errors.Is(err, ingest.ErrSessionCreation) {
			err = fmt.Errorf("%w: %w", ingest.ErrResourceExhausted, err)
		}
		return nil, fmt.Errorf("item %s: %w", item.ID, err)
	}

	records, err := retry.Do(ctx, o.extractRetry, func(ctx context.Context) ([]ingest.Record, error) {
		return o.extractor.Extract(ctx, item, sess)
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		o.sessions.Discard(sess)
	} else {
		o.sessions.Release(context.WithoutCancel(ctx), sess)
	}
	if err != nil {
		return nil, &ingest.ExtractionError{ItemID: item.ID, Err: err}
	}
	return records, nil
}

// admit consults the gate; on refusal it waits one more cooldown.
func (o *Orchestrator[S]) admit(ctx context.Context, logger *zap.Logger) {
	if o.opts.gate == nil || o.opts.gate.Admit(ctx) {
		return
	}
	logger.Info("admission refused; cooling down", zap.Duration("cooldown", o.opts.gate.Cooldown()))
	_ = o.opts.clock.Sleep(ctx, o.opts.gate.Cooldown())
}

func (o *Orchestrator[S]) cooldown(ctx context.Context) {
	span := o.cfg.CooldownMax - o.cfg.CooldownMin
	d := o.cfg.CooldownMin + time.Duration(o.opts.jitter()*float64(span))
	if d <= 0 {
		return
	}
	_ = o.opts.clock.Sleep(ctx, d)
}

// reportProgress emits the completed share as an integer percent when it
// advances past last, and returns the new last value.
func (o *Orchestrator[S]) reportProgress(done, total, last int) int {
	percent := 100
	if total > 0 {
		percent = done * 100 / total
	}
	if percent <= last {
		return last
	}
	if o.opts.progress != nil {
		o.opts.progress.ReportProgress(percent)
	}
	return percent
}

func (o *Orchestrator[S]) newRunID() string {
	id, err := o.ids.NewID()
	if err != nil {
		o.logger.Warn("run id generation failed", zap.Error(err))
		return fmt.Sprintf("run-%d", o.opts.clock.Now().UnixNano())
	}
	return id
}
