package orchestrator

import (
	"sync"
	"time"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Run is the state of one pipeline invocation. The orchestrator creates one
// per call to Orchestrator.Run and passes it to every step of that run.
type Run struct {
	id        string
	startedAt time.Time

	mu         sync.Mutex
	order      []string
	sources    map[string]*pipeline.SourceReport
	finishedAt time.Time
}

func newRun(id string, sourceIDs []string, at time.Time) *Run {
	r := &Run{
		id:        id,
		startedAt: at,
		order:     append([]string(nil), sourceIDs...),
		sources:   make(map[string]*pipeline.SourceReport, len(sourceIDs)),
	}
	for _, sid := range sourceIDs {
		r.sources[sid] = &pipeline.SourceReport{Status: pipeline.SourceRunStatus{
			RunID:  id,
			Source: sid,
			State:  pipeline.SourcePending,
		}}
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// start moves a pending source to running.
func (r *Run) start(sourceID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.sources[sourceID]
	if !ok || rep.Status.State != pipeline.SourcePending {
		return false
	}
	rep.Status.State = pipeline.SourceRunning
	rep.Status.StartedAt = at
	return true
}

// finish stores the terminal report of a source. Terminal states never change.
func (r *Run) finish(report pipeline.SourceReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.sources[report.Status.Source]
	if !ok || rep.Status.State.Terminal() || !report.Status.State.Terminal() {
		return
	}
	*rep = report
}

func (r *Run) close(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = at
}

// Snapshot returns a copy of the current source statuses and aggregate state.
func (r *Run) Snapshot() pipeline.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := pipeline.RunSnapshot{
		RunID:     r.id,
		StartedAt: r.startedAt,
		Sources:   make([]pipeline.SourceRunStatus, 0, len(r.order)),
	}
	for _, sid := range r.order {
		status := r.sources[sid].Status
		status.Errors = append([]string(nil), status.Errors...)
		snap.Sources = append(snap.Sources, status)
	}
	snap.State = pipeline.Aggregate(snap.Sources)
	if !r.finishedAt.IsZero() {
		at := r.finishedAt
		snap.FinishedAt = &at
	}
	return snap
}

// Report builds the run report with per-source and overall totals.
func (r *Run) Report() pipeline.PipelineReport {
	snap := r.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	report := pipeline.PipelineReport{
		RunID:     r.id,
		State:     snap.State,
		StartedAt: r.startedAt,
		Sources:   make(map[string]pipeline.SourceReport, len(r.order)),
	}
	if snap.FinishedAt != nil {
		report.FinishedAt = *snap.FinishedAt
	}
	for _, sid := range r.order {
		rep := *r.sources[sid]
		rep.Rejected = append([]pipeline.ValidationResult(nil), rep.Rejected...)
		report.Totals.Add(rep.Counts)
		report.Sources[sid] = rep
	}
	return report
}
