package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/api"
	"github.com/JakeFAU/ingest-orchestrator/internal/config"
	"github.com/JakeFAU/ingest-orchestrator/internal/extract"
	"github.com/JakeFAU/ingest-orchestrator/internal/governor"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/lister"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
	"github.com/JakeFAU/ingest-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/ingest-orchestrator/internal/pagination"
	"github.com/JakeFAU/ingest-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress/sinks"
	"github.com/JakeFAU/ingest-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/ingest-orchestrator/internal/retry"
	"github.com/JakeFAU/ingest-orchestrator/internal/session"
	"github.com/JakeFAU/ingest-orchestrator/internal/session/browser"
	"github.com/JakeFAU/ingest-orchestrator/internal/storage/blob"
	"github.com/JakeFAU/ingest-orchestrator/internal/storage/pgpool"
	"github.com/JakeFAU/ingest-orchestrator/internal/telemetry"
)

// daemon holds every long-lived component of one invocation. Closers run in
// reverse order of construction.
type daemon struct {
	orchestrator *orchestrator.Orchestrator[*browser.Session]
	lister       ingest.Lister
	admin        *http.Server
	closers      []func(context.Context) error
}

func (d *daemon) onClose(fn func(context.Context) error) {
	d.closers = append(d.closers, fn)
}

func (d *daemon) shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

func assemble(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *daemon, err error) {
	d := &daemon{}
	defer func() {
		if err != nil {
			d.shutdown(logger)
		}
	}()
	metrics.Init()

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	d.onClose(tp.Shutdown)

	gov := governor.New(governorConfig(cfg.Governor), logger.Named("governor"))

	blobs, closeBlobs, err := blob.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	d.onClose(func(context.Context) error { return closeBlobs() })

	ready := map[string]api.ReadyCheck{}
	var (
		persist  ingest.PersistSink
		registry *pgpool.Registry
	)
	if cfg.DB.DSN != "" {
		registry, err = pgpool.New(pgpool.Config{PoolSize: cfg.DB.PoolSize}, pgpool.PgxConnector(cfg.DB.DSN), logger.Named("pgpool"))
		if err != nil {
			return nil, fmt.Errorf("build connection registry: %w", err)
		}
		d.onClose(registry.CloseAll)
		persist = registry
		ready["db"] = func(ctx context.Context) error { return registry.Ping(ctx, cfg.Source.Name) }
	} else {
		logger.Warn("db.dsn not set; extracted records will not be persisted")
	}

	status := sinks.NewStatusSink(0)
	hubSinks, err := progressSinks(ctx, cfg, registry, status, logger, d)
	if err != nil {
		return nil, err
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress"),
	}, hubSinks...)
	d.onClose(hub.Close)

	launcher := browser.NewLauncher(browserConfig(cfg.Headless), logger.Named("browser"))
	d.onClose(func(context.Context) error { launcher.Close(); return nil })
	pool, err := session.New(session.Config{
		MaxInstances: cfg.Sessions.MaxInstances,
		IdleCapacity: cfg.Sessions.IdleCapacity,
	}, launcher.Factory(), logger.Named("sessions"))
	if err != nil {
		return nil, fmt.Errorf("build session pool: %w", err)
	}

	extractor, err := buildExtractor(cfg, blobs, gov, logger.Named("extract"))
	if err != nil {
		return nil, err
	}
	d.lister, err = buildLister(cfg.Lister, logger.Named("lister"))
	if err != nil {
		return nil, err
	}

	d.orchestrator, err = orchestrator.New(orchestratorConfig(cfg), extractor, pool, persist, logger.Named("orchestrator"),
		orchestrator.WithProgress(hub),
		orchestrator.WithGate(gov),
	)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	d.onClose(func(context.Context) error { d.orchestrator.Close(); return nil })

	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(api.Options{Runs: status, Ready: ready}, logger.Named("api"))
		d.admin = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		d.onClose(d.admin.Shutdown)
	}
	return d, nil
}

func progressSinks(
	ctx context.Context,
	cfg config.Config,
	registry *pgpool.Registry,
	status *sinks.StatusSink,
	logger *zap.Logger,
	d *daemon,
) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(logger.Named("runs")), promSink, status}
	if registry != nil {
		out = append(out, sinks.NewStoreSink(registry, logger.Named("runs")))
	}
	if cfg.PubSub.TopicID != "" {
		pub, err := pubsub.New(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("build publisher: %w", err)
		}
		d.onClose(func(context.Context) error { return pub.Close() })
		out = append(out, sinks.NewPublishSink(pub, logger.Named("runs")))
	}
	return out, nil
}

func buildExtractor(cfg config.Config, blobs ingest.BlobStore, admitter ingest.Admitter, logger *zap.Logger) (ingest.Extractor[*browser.Session], error) {
	var limiter extract.Waiter
	if rl := cfg.Extractor.RateLimit; rl.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: rl.RPS, Burst: rl.Burst})
	}
	switch cfg.Extractor.Mode {
	case config.ExtractorFeed:
		f := cfg.Extractor.Feed
		feed, err := extract.NewFeed(extract.FeedConfig{
			PageURL:      f.PageURL,
			ItemSelector: f.ItemSelector,
			KeyAttr:      f.KeyAttr,
			TimeAttr:     f.TimeAttr,
			TimeLayout:   f.TimeLayout,
			MaxAge:       f.MaxAge,
			Pagination: pagination.Config{
				MaxPages:   f.Pagination.MaxPages,
				AdmitEvery: f.Pagination.AdmitEvery,
			},
		}, admitter, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("build feed extractor: %w", err)
		}
		feed.SetLimiter(limiter)
		return feed, nil
	case config.ExtractorSnapshot, "":
		snap := extract.NewSnapshot(cfg.Source.Name, blobs, nil, logger)
		snap.SetLimiter(limiter)
		return snap, nil
	default:
		return nil, fmt.Errorf("unknown extractor mode %q", cfg.Extractor.Mode)
	}
}

func buildLister(cfg config.ListerConfig, logger *zap.Logger) (ingest.Lister, error) {
	switch cfg.Kind {
	case config.ListerCatalogue:
		c := cfg.Catalogue
		cat, err := lister.NewCatalogue(lister.CatalogueConfig{
			StartURL:       c.StartURL,
			LinkSelector:   c.LinkSelector,
			NextSelector:   c.NextSelector,
			AllowedDomains: c.AllowedDomains,
			MaxPages:       c.MaxPages,
			MaxItems:       c.MaxItems,
			UserAgent:      c.UserAgent,
			Timeout:        c.Timeout,
			RespectRobots:  c.RespectRobots,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build catalogue lister: %w", err)
		}
		return cat, nil
	case config.ListerFile, "":
		return lister.NewFile(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("unknown lister kind %q", cfg.Kind)
	}
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	o := cfg.Orchestrator
	return orchestrator.Config{
		SourceName:   cfg.Source.Name,
		BatchSize:    o.BatchSize,
		WorkerCount:  o.WorkerCount,
		BatchTimeout: o.BatchTimeout,
		CooldownMin:  o.CooldownMin,
		CooldownMax:  o.CooldownMax,
		SessionRetry: retryConfig(cfg.Retry.Session),
		ExtractRetry: retryConfig(cfg.Retry.Extract),
	}
}

func retryConfig(c config.RetryPolicyConfig) retry.Config {
	return retry.Config{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
	}
}

func governorConfig(c config.GovernorConfig) governor.Config {
	return governor.Config{MaxMemoryPercent: c.MaxMemoryPercent, Cooldown: c.Cooldown}
}

func browserConfig(c config.HeadlessConfig) browser.Config {
	return browser.Config{
		UserAgent:         c.UserAgent,
		NavigationTimeout: c.NavigationTimeout,
		ExecPath:          c.ExecPath,
		Headless:          c.Headless,
	}
}
