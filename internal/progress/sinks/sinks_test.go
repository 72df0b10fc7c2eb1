package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/progress"
)

func runBatch(stage progress.Stage, note string) []progress.Event {
	ts := time.Unix(1700000000, 0)
	report := &ingest.RunReport{RunID: "run-1", SourceName: "shop", Processed: 11, Failed: 1, Elapsed: 90 * time.Second}
	return []progress.Event{
		{RunID: "run-1", Source: "shop", TS: ts, Stage: progress.StageRunStart, Total: 12},
		{RunID: "run-1", Source: "shop", TS: ts, Stage: progress.StageProgress, Percent: 42},
		{RunID: "run-1", Source: "shop", TS: ts, Stage: stage, Report: report, Note: note},
	}
}

func TestPrometheusSinkRecordsRun(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := runBatch(progress.StageRunDone, "")
	require.NoError(t, sink.Consume(context.Background(), batch[:2]))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 42.0, testutil.ToFloat64(sink.runPercent.WithLabelValues("shop")))

	require.NoError(t, sink.Consume(context.Background(), batch[2:]))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("shop")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("shop", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 11.0, testutil.ToFloat64(sink.runItems.WithLabelValues("shop", "processed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runItems.WithLabelValues("shop", "failed")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "ingest_run_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), runBatch(progress.StageRunError, "listing failed")))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, int64(12), entries[0].ContextMap()["total"])
	require.Equal(t, int64(42), entries[1].ContextMap()["percent"])
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "listing failed", entries[2].ContextMap()["note"])
}

type fakeRecorder struct {
	reports []ingest.RunReport
	err     error
}

func (f *fakeRecorder) RecordRun(_ context.Context, report ingest.RunReport) error {
	if f.err != nil {
		return f.err
	}
	f.reports = append(f.reports, report)
	return nil
}

func TestStoreSinkRecordsTerminalEventsOnly(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, nil)
	require.NoError(t, sink.Consume(context.Background(), runBatch(progress.StageRunDone, "")))
	require.Len(t, rec.reports, 1)
	require.Equal(t, 11, rec.reports[0].Processed)

	failing := NewStoreSink(&fakeRecorder{err: errors.New("db down")}, nil)
	err := failing.Consume(context.Background(), runBatch(progress.StageRunDone, ""))
	require.ErrorContains(t, err, "db down")
}

type fakePublisher struct {
	messages []any
}

func (f *fakePublisher) Publish(_ context.Context, payload any) (string, error) {
	f.messages = append(f.messages, payload)
	return "msg-1", nil
}

func TestPublishSinkAnnouncesRun(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := NewPublishSink(pub, nil)
	require.NoError(t, sink.Consume(context.Background(), runBatch(progress.StageRunError, "canceled")))
	require.Len(t, pub.messages, 1)

	msg, ok := pub.messages[0].(RunAnnouncement)
	require.True(t, ok)
	require.Equal(t, "failed", msg.Status)
	require.Equal(t, "canceled", msg.Error)
	require.Equal(t, "run-1", msg.RunID)
}

func TestStatusSinkTracksRuns(t *testing.T) {
	t.Parallel()

	sink := NewStatusSink(2)
	require.NoError(t, sink.Consume(context.Background(), runBatch(progress.StageRunDone, "")))

	st, ok := sink.Run("run-1")
	require.True(t, ok)
	require.Equal(t, progress.StageRunDone, st.Stage)
	require.Equal(t, 12, st.Total)
	require.Equal(t, 100, st.Percent)
	require.Equal(t, 11, st.Report.Processed)

	ts := time.Unix(1700000100, 0)
	for _, id := range []string{"run-2", "run-3"} {
		require.NoError(t, sink.Consume(context.Background(), []progress.Event{
			{RunID: id, Source: "shop", TS: ts, Stage: progress.StageRunStart, Total: 3},
			{RunID: id, Source: "shop", TS: ts, Stage: progress.StageProgress, Percent: 33},
		}))
	}

	_, ok = sink.Run("run-1")
	require.False(t, ok)
	runs := sink.Runs()
	require.Len(t, runs, 2)
	require.Equal(t, "run-3", runs[0].RunID)
	require.Equal(t, 33, runs[0].Percent)
	require.Nil(t, runs[0].Report)
}
