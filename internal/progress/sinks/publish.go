package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
)

// RunAnnouncement is the message published when a run ends.
type RunAnnouncement struct {
	ingest.RunReport
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PublishSink announces finished runs through a Publisher.
type PublishSink struct {
	publisher ingest.Publisher
	logger    *zap.Logger
}

// NewPublishSink wraps publisher.
func NewPublishSink(publisher ingest.Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, logger: logger}
}

// Consume publishes one announcement per terminal event.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		msg := RunAnnouncement{RunReport: *evt.Report, Status: "succeeded"}
		if evt.Stage == progress.StageRunError {
			msg.Status = "failed"
			msg.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("announce run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Info("run announced", zap.String("run_id", evt.RunID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
