// Package progress carries run, source and fetch milestones from the
// orchestrator to pluggable sinks. A Hub batches events on a background
// goroutine so emitters never block on logging or metrics.
package progress
