package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
)

// RunRecorder persists finished run reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report ingest.RunReport) error
}

// StoreSink writes the report of every finished run.
type StoreSink struct {
	recorder RunRecorder
	logger   *zap.Logger
}

// NewStoreSink wraps recorder.
func NewStoreSink(recorder RunRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{recorder: recorder, logger: logger}
}

// Consume records terminal events; other stages are ignored.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if err := s.recorder.RecordRun(ctx, *evt.Report); err != nil {
			errs = append(errs, fmt.Errorf("record run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run report stored", zap.String("run_id", evt.RunID))
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
