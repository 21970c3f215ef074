package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/jobqueue/internal/events"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{ItemID: "a", Kind: queue.KindJob, Stage: events.StageAccepted, TS: now},
		{Kind: queue.KindJob, Stage: events.StageRejected, TS: now, Note: "excluded company: BadCorp"},
		{ItemID: "a", Kind: queue.KindJob, Stage: events.StageClaimed, TS: now},
		{ItemID: "b", Kind: queue.KindJob, Stage: events.StageClaimed, TS: now},
		{ItemID: "a", Kind: queue.KindJob, Stage: events.StageCompleted, Status: queue.StatusFailed, TS: now, Dur: 12 * time.Second},
		{ItemID: "a", Kind: queue.KindJob, Stage: events.StageRetried, Status: queue.StatusPending, Attempt: 1, TS: now},
		{ItemID: "b", Stage: events.StageReaped, Status: queue.StatusFailed, TS: now, Dur: 10 * time.Minute},
		{ItemID: "c", Stage: events.StageConflict, TS: now},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.submissions.WithLabelValues("accepted", "job")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.submissions.WithLabelValues("rejected", "job")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.claims.WithLabelValues("job")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.completions.WithLabelValues("failed", "job")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.retries.WithLabelValues("job")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.reaped), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.conflicts), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.processing), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.duration, "jobqueue_processing_duration_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{ItemID: "a", Kind: queue.KindJob, Stage: events.StageRetried, Status: queue.StatusPending, Attempt: 2, TS: time.Now()},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.FilterMessage("queue lifecycle event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "retried", fields["stage"])
	require.Equal(t, "a", fields["item_id"])
	require.EqualValues(t, 2, fields["attempt"])
}
