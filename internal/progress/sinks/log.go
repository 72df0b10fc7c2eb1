package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("source", evt.Source),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart:
			fields = append(fields, zap.Int("total", evt.Total))
		case progress.StageProgress:
			fields = append(fields, zap.Int("percent", evt.Percent))
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields,
				zap.Int("processed", evt.Report.Processed),
				zap.Int("failed", evt.Report.Failed),
				zap.Duration("elapsed", evt.Report.Elapsed),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageRunError {
			s.logger.Warn("run progress", fields...)
			continue
		}
		s.logger.Info("run progress", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
