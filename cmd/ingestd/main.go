package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/config"
	"github.com/JakeFAU/ingest-orchestrator/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := 0
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingest run failed", zap.Error(err))
		code = 1
	}
	stop()
	if syncErr := logger.Sync(); syncErr != nil {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
	}
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	d, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.shutdown(logger)

	if d.admin != nil {
		go func() {
			logger.Info("admin server started", zap.String("addr", d.admin.Addr))
			if err := d.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server error", zap.Error(err))
			}
		}()
	}

	report, err := d.orchestrator.RunListed(ctx, d.lister)
	logger.Info("ingest run complete",
		zap.String("run_id", report.RunID),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	return err
}
