package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/cropcost-pipeline/internal/progress"
)

// PrometheusSink exports run and source progress. Per-attempt fetch metrics
// live in the metrics package; this sink counts completed documents.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	sourcesCompleted *prometheus.CounterVec
	sourceRuntime    *prometheus.HistogramVec
	sourceRecords    *prometheus.CounterVec

	documentsFetched *prometheus.CounterVec
	documentBytes    *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cropcost_runs_started_total",
			Help: "Pipeline runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropcost_runs_completed_total",
			Help: "Pipeline runs completed, partitioned by aggregate state.",
		}, []string{"state"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cropcost_runs_running",
			Help: "Pipeline runs in progress.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cropcost_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"state"}),
		sourcesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropcost_sources_completed_total",
			Help: "Sources completed, partitioned by source and state.",
		}, []string{"source", "state"}),
		sourceRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cropcost_source_runtime_seconds",
			Help:    "Wall time per completed source.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source"}),
		sourceRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropcost_source_records_ingested_total",
			Help: "Records ingested per source.",
		}, []string{"source"}),
		documentsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropcost_documents_fetched_total",
			Help: "Documents fetched, partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		documentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropcost_document_bytes_total",
			Help: "Document bytes fetched per source.",
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.sourcesCompleted,
		s.sourceRuntime,
		s.sourceRecords,
		s.documentsFetched,
		s.documentBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues(evt.State).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(evt.State).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageSourceDone:
		s.sourcesCompleted.WithLabelValues(evt.Source, evt.State).Inc()
		if evt.Dur > 0 {
			s.sourceRuntime.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
		if evt.Records > 0 {
			s.sourceRecords.WithLabelValues(evt.Source).Add(float64(evt.Records))
		}
	case progress.StageFetchDone:
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.documentsFetched.WithLabelValues(evt.Source, statusClass).Inc()
		if evt.Bytes > 0 {
			s.documentBytes.WithLabelValues(evt.Source).Add(float64(evt.Bytes))
		}
	}
}

// Close implements the Sink interface.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
