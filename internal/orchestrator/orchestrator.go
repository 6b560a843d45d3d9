// Package orchestrator sequences pipeline runs: it selects sources, runs them
// concurrently with isolation, records every outcome and aggregates the
// run state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/metrics"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/progress"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
	"github.com/JakeFAU/cropcost-pipeline/internal/worker"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same orchestrator has not finished.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// SourceRunner processes one source to a terminal report.
type SourceRunner interface {
	Process(ctx context.Context, runID string, src worker.Source) pipeline.SourceReport
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Sources     map[string]config.SourceConfig
	Concurrency int
	// RunTimeout bounds a whole run. Zero disables it.
	RunTimeout time.Duration

	Runner    SourceRunner
	Store     store.Repository
	IDs       pipeline.IDGenerator
	Clock     pipeline.Clock
	Emitter   progress.Emitter
	Publisher pipeline.Publisher
	Topic     string
	Logger    *zap.Logger
}

// Orchestrator runs sources and keeps the latest run for Status.
type Orchestrator struct {
	opts    Options
	logger  *zap.Logger
	running atomic.Bool

	mu     sync.Mutex
	latest *Run
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Runner == nil:
		return nil, pipeline.ConfigInvalid("orchestrator requires a source runner")
	case opts.Store == nil:
		return nil, pipeline.ConfigInvalid("orchestrator requires a store")
	case opts.IDs == nil:
		return nil, pipeline.ConfigInvalid("orchestrator requires an id generator")
	case opts.Clock == nil:
		return nil, pipeline.ConfigInvalid("orchestrator requires a clock")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Emitter == nil {
		opts.Emitter = progress.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{opts: opts, logger: logger}, nil
}

// Run executes the given sources, or every enabled source when sourceIDs is
// empty. Unknown ids fail with ErrUnknownSource and an unreachable store with
// ErrStoreUnavailable, both before any source starts. Otherwise the returned
// report covers every selected source and err is nil.
func (o *Orchestrator) Run(ctx context.Context, sourceIDs []string) (pipeline.PipelineReport, error) {
	run, selected, err := o.begin(ctx, sourceIDs)
	if err != nil {
		return pipeline.PipelineReport{}, err
	}
	return o.execute(ctx, run, selected), nil
}

// Start admits a run like Run but executes it in the background and returns
// its id. ctx must outlive the run; Status reports its progress.
func (o *Orchestrator) Start(ctx context.Context, sourceIDs []string) (string, error) {
	run, selected, err := o.begin(ctx, sourceIDs)
	if err != nil {
		return "", err
	}
	go o.execute(ctx, run, selected)
	return run.ID(), nil
}

// begin validates the selection and claims the running flag. On success the
// caller must call execute, which releases it.
func (o *Orchestrator) begin(ctx context.Context, sourceIDs []string) (*Run, []worker.Source, error) {
	selected, err := o.selectSources(sourceIDs)
	if err != nil {
		return nil, nil, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, nil, ErrRunInProgress
	}
	if err := o.opts.Store.Ping(ctx); err != nil {
		o.running.Store(false)
		o.logger.Error("store unavailable, aborting run", zap.Error(err))
		return nil, nil, pipeline.StoreUnavailable("ping", err)
	}
	runID, err := o.opts.IDs.NewID()
	if err != nil {
		o.running.Store(false)
		return nil, nil, fmt.Errorf("generate run id: %w", err)
	}

	ids := make([]string, len(selected))
	for i, src := range selected {
		ids[i] = src.ID
	}
	run := newRun(runID, ids, o.opts.Clock.Now())
	o.setLatest(run)
	return run, selected, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, selected []worker.Source) pipeline.PipelineReport {
	defer o.running.Store(false)

	runID := run.ID()
	logger := o.logger.With(zap.String("run_id", runID))
	ids := make([]string, len(selected))
	for i, src := range selected {
		ids[i] = src.ID
	}
	logger.Info("pipeline run started", zap.Strings("sources", ids))
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart})

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, src := range selected {
		g.Go(func() error {
			o.runSource(runCtx, run, src, logger)
			return nil
		})
	}
	_ = g.Wait()

	run.close(o.opts.Clock.Now())
	report := run.Report()
	o.emit(progress.Event{
		RunID:   runID,
		Stage:   progress.StageRunDone,
		State:   string(report.State),
		Records: report.Totals.Ingested(),
		Dur:     report.FinishedAt.Sub(report.StartedAt),
	})
	o.publish(context.WithoutCancel(ctx), report, logger)
	logger.Info("pipeline run finished",
		zap.String("state", string(report.State)),
		zap.Int("accepted", report.Totals.Accepted),
		zap.Int("duplicate", report.Totals.Duplicate),
		zap.Int("rejected", report.Totals.Rejected),
		zap.Int("errors", report.Totals.Errors),
	)
	return report
}

func (o *Orchestrator) runSource(ctx context.Context, run *Run, src worker.Source, logger *zap.Logger) {
	var report pipeline.SourceReport
	if err := ctx.Err(); err != nil {
		now := o.opts.Clock.Now()
		report = pipeline.SourceReport{
			Status: pipeline.SourceRunStatus{
				RunID:      run.ID(),
				Source:     src.ID,
				State:      pipeline.SourceFailed,
				Errors:     []string{fmt.Errorf("%w: %w", pipeline.ErrCancelled, err).Error()},
				StartedAt:  now,
				FinishedAt: now,
			},
			Counts: pipeline.Counts{Errors: 1},
		}
	} else {
		run.start(src.ID, o.opts.Clock.Now())
		o.emit(progress.Event{RunID: run.ID(), Stage: progress.StageSourceStart, Source: src.ID})
		metrics.IncActiveSources()
		report = o.opts.Runner.Process(ctx, run.ID(), src)
		metrics.DecActiveSources()
	}
	run.finish(report)
	metrics.ObserveSourceRun(string(report.Status.State))

	// The audit row is written even when the run deadline has passed.
	if err := o.opts.Store.RecordRun(context.WithoutCancel(ctx), report.Status); err != nil {
		logger.Warn("record source run failed", zap.String("source", src.ID), zap.Error(err))
	}
	o.emit(progress.Event{
		RunID:   run.ID(),
		Stage:   progress.StageSourceDone,
		Source:  src.ID,
		State:   string(report.Status.State),
		Records: report.Status.RecordsIngested,
		Dur:     report.Status.FinishedAt.Sub(report.Status.StartedAt),
	})
}

// Status returns the latest run snapshot, if any run has started.
func (o *Orchestrator) Status() (pipeline.RunSnapshot, bool) {
	o.mu.Lock()
	run := o.latest
	o.mu.Unlock()
	if run == nil {
		return pipeline.RunSnapshot{}, false
	}
	return run.Snapshot(), true
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Sources returns the configured source ids, enabled or not.
func (o *Orchestrator) Sources() []string {
	return config.Config{Sources: o.opts.Sources}.SourceIDs(false)
}

// SourceIDs lists the sources a run with no explicit selection would execute.
func (o *Orchestrator) SourceIDs() []string {
	return config.Config{Sources: o.opts.Sources}.SourceIDs(true)
}

func (o *Orchestrator) selectSources(ids []string) ([]worker.Source, error) {
	if len(ids) == 0 {
		ids = o.SourceIDs()
	}
	if len(ids) == 0 {
		return nil, pipeline.ConfigInvalid("no enabled sources configured")
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]worker.Source, 0, len(ids))
	for _, id := range ids {
		cfg, ok := o.opts.Sources[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", pipeline.ErrUnknownSource, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, worker.Source{ID: id, Config: cfg})
	}
	return out, nil
}

func (o *Orchestrator) setLatest(run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latest = run
}

func (o *Orchestrator) emit(evt progress.Event) {
	evt.TS = o.opts.Clock.Now()
	o.opts.Emitter.Emit(evt)
}

// Summary is the notification published when a run finishes.
type Summary struct {
	RunID      string                              `json:"run_id"`
	State      pipeline.RunState                   `json:"state"`
	StartedAt  time.Time                           `json:"started_at"`
	FinishedAt time.Time                           `json:"finished_at"`
	Totals     pipeline.Counts                     `json:"totals"`
	Sources    map[string]pipeline.SourceRunStatus `json:"sources"`
}

// Attributes are attached to published messages for subscription filters.
func (s Summary) Attributes() map[string]string {
	return map[string]string{"run_id": s.RunID, "state": string(s.State)}
}

func summarize(report pipeline.PipelineReport) Summary {
	s := Summary{
		RunID:      report.RunID,
		State:      report.State,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Totals:     report.Totals,
		Sources:    make(map[string]pipeline.SourceRunStatus, len(report.Sources)),
	}
	for id, rep := range report.Sources {
		s.Sources[id] = rep.Status
	}
	return s
}

func (o *Orchestrator) publish(ctx context.Context, report pipeline.PipelineReport, logger *zap.Logger) {
	if o.opts.Publisher == nil || o.opts.Topic == "" {
		return
	}
	id, err := o.opts.Publisher.Publish(ctx, o.opts.Topic, summarize(report))
	if err != nil {
		logger.Warn("run summary publish failed", zap.String("topic", o.opts.Topic), zap.Error(err))
		return
	}
	logger.Info("run summary published", zap.String("topic", o.opts.Topic), zap.String("message_id", id))
}
