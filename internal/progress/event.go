// Package progress defines the events emitted while a pipeline run executes.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageSourceStart Stage = "SOURCE_START"
	StageFetchDone   Stage = "FETCH_DONE"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageRunDone     Stage = "RUN_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of run progress.
type Event struct {
	// RunID identifies the pipeline run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Source scopes source and fetch events.
	Source string
	// URL is the document URL for fetch events.
	URL         string
	Bytes       int64
	StatusClass StatusClass
	// Records is the number of ingested records on SOURCE_DONE and RUN_DONE.
	Records int
	// State carries the terminal source or run state.
	State string
	// Dur is the fetch, source or run latency.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageRunDone:
		if e.State == "" {
			return errors.New("run done requires state")
		}
	case StageSourceStart:
		if e.Source == "" {
			return errors.New("source start requires source")
		}
	case StageSourceDone:
		if e.Source == "" || e.State == "" {
			return errors.New("source done requires source and state")
		}
	case StageFetchDone:
		if e.Source == "" {
			return errors.New("fetch done requires source")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
