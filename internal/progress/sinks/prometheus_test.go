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

	"github.com/JakeFAU/cropcost-pipeline/internal/progress"
)

func runBatch() []progress.Event {
	now := time.Now()
	return []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
		{RunID: "run-1", TS: now, Stage: progress.StageSourceStart, Source: "usda"},
		{
			RunID:       "run-1",
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Source:      "usda",
			URL:         "https://www.ers.usda.gov/corn.xlsx",
			Bytes:       2048,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{RunID: "run-1", TS: now.Add(2 * time.Second), Stage: progress.StageSourceDone, Source: "usda", State: "succeeded", Records: 12, Dur: 2 * time.Second},
		{RunID: "run-1", TS: now.Add(3 * time.Second), Stage: progress.StageRunDone, State: "succeeded", Records: 12, Dur: 3 * time.Second},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), runBatch()))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("succeeded")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourcesCompleted.WithLabelValues("usda", "succeeded")))
	require.InDelta(t, 12.0, testutil.ToFloat64(sink.sourceRecords.WithLabelValues("usda")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.documentsFetched.WithLabelValues("usda", "2xx")), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.documentBytes.WithLabelValues("usda")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "cropcost_run_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesStageFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), runBatch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.FilterMessage("progress event").All()
	require.Len(t, entries, 5)

	fetch := entries[2].ContextMap()
	require.Equal(t, "FETCH_DONE", fetch["stage"])
	require.Equal(t, int64(2048), fetch["bytes"])
	require.Equal(t, "usda", fetch["source"])

	done := entries[4].ContextMap()
	require.Equal(t, "succeeded", done["state"])
	require.Equal(t, int64(12), done["records"])
	_, hasSource := done["source"]
	require.False(t, hasSource)
}
