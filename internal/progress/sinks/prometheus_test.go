package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
)

func TestPrometheusSinkRecordsRun(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageProbeDone, Store: "30", Hits: 2500},
		{RunID: runID, TS: now, Stage: progress.StageFetchDone, Store: "30", Hits: 1000},
		{RunID: runID, TS: now, Stage: progress.StageFetchDone, Store: "30", Hits: 900},
		{RunID: runID, TS: now, Stage: progress.StageFetchDropped, Store: "30", Note: "status 500"},
		{RunID: runID, TS: now, Stage: progress.StageStoreDone, Store: "30", Hits: 1900, Expected: 2500},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: 3 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsStarted), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.runsActive), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.probes.WithLabelValues("30")), 1e-9)
	require.InDelta(t, 1900.0, testutil.ToFloat64(sink.fetchedHits.WithLabelValues("30")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchDropped.WithLabelValues("30")), 1e-9)
	require.InDelta(t, 0.76, testutil.ToFloat64(sink.storeCoverage.WithLabelValues("30")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "catalog_run_duration_seconds"))
}

func TestPrometheusSinkActiveRunsIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := progress.Event{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsActive), 1e-9)

	fail := progress.Event{RunID: runID, TS: time.Now(), Stage: progress.StageRunError, Note: "unauthorized"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{fail, fail}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.runsActive), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")), 1e-9)
}

func TestNewPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
