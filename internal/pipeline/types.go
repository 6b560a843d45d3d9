// Package pipeline defines the shared domain types for the cost-of-production pipeline.
package pipeline

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CandidateRecord is one extracted, not yet validated observation.
type CandidateRecord struct {
	Item      string `json:"item" validate:"required"`
	Value     string `json:"value" validate:"required"`
	Unit      string `json:"unit" validate:"required"`
	Commodity string `json:"commodity" validate:"required"`
	Location  string `json:"location" validate:"required"`
	Year      string `json:"year" validate:"required"`
	Source    string `json:"source" validate:"required"`

	// Optional descriptors carried into storage. They are not part of the content hash.
	Category string `json:"category,omitempty"`
	SoilType string `json:"soil_type,omitempty"`
	Rotation string `json:"rotation,omitempty"`
	Tillage  string `json:"tillage,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ParseValue converts the raw value text into a finite float64. Currency
// symbols, thousands separators and surrounding whitespace are ignored.
func (c CandidateRecord) ParseValue() (float64, error) {
	return ParseNumber(c.Value)
}

// ParseNumber parses extracted numeric text.
func ParseNumber(raw string) (float64, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.NewReplacer("$", "", ",", "", " ", "").Replace(cleaned)
	if cleaned == "" {
		return 0, fmt.Errorf("empty numeric value")
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %q is not finite", raw)
	}
	return v, nil
}

// Violation describes one failed rule.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// ValidationResult is the validator output for a single candidate.
type ValidationResult struct {
	Record     CandidateRecord `json:"record"`
	IsValid    bool            `json:"is_valid"`
	Score      int             `json:"score"`
	Violations []Violation     `json:"violations,omitempty"`
}

// Flagged reports whether the record passed with soft violations.
func (r ValidationResult) Flagged() bool {
	return r.IsValid && len(r.Violations) > 0
}

// RawRecord is a persisted, accepted candidate.
type RawRecord struct {
	ID          int64     `json:"id"`
	Item        string    `json:"item"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
	Commodity   string    `json:"commodity"`
	Location    string    `json:"location"`
	Year        string    `json:"year"`
	Source      string    `json:"source"`
	Category    string    `json:"category,omitempty"`
	SoilType    string    `json:"soil_type,omitempty"`
	Rotation    string    `json:"rotation,omitempty"`
	Tillage     string    `json:"tillage,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	ContentHash string    `json:"content_hash"`
	Score       int       `json:"score"`
	Flagged     bool      `json:"flagged"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// NewRawRecord builds the persisted form of a valid result.
func NewRawRecord(result ValidationResult, hash string, at time.Time) (RawRecord, error) {
	value, err := result.Record.ParseValue()
	if err != nil {
		return RawRecord{}, err
	}
	rec := result.Record
	return RawRecord{
		Item:        strings.TrimSpace(rec.Item),
		Value:       value,
		Unit:        strings.TrimSpace(rec.Unit),
		Commodity:   strings.TrimSpace(rec.Commodity),
		Location:    strings.TrimSpace(rec.Location),
		Year:        strings.TrimSpace(rec.Year),
		Source:      strings.TrimSpace(rec.Source),
		Category:    rec.Category,
		SoilType:    rec.SoilType,
		Rotation:    rec.Rotation,
		Tillage:     rec.Tillage,
		Notes:       rec.Notes,
		ContentHash: hash,
		Score:       result.Score,
		Flagged:     result.Flagged(),
		FirstSeenAt: at,
		ScrapedAt:   at,
	}, nil
}

// ProcessedRecord is the standardized form of a RawRecord for one processing version.
type ProcessedRecord struct {
	ID                int64     `json:"id"`
	RawID             int64     `json:"raw_id"`
	ContentHash       string    `json:"content_hash"`
	Item              string    `json:"item"`
	Value             float64   `json:"value"`
	Unit              string    `json:"unit"`
	Commodity         string    `json:"commodity"`
	Location          string    `json:"location"`
	Year              string    `json:"year"`
	Source            string    `json:"source"`
	Category          string    `json:"category,omitempty"`
	Score             int       `json:"score"`
	ProcessedAt       time.Time `json:"processed_at"`
	ProcessingVersion string    `json:"processing_version"`
}

// SourceState is the lifecycle state of one source within a run.
type SourceState string

// Source lifecycle states.
const (
	SourcePending        SourceState = "pending"
	SourceRunning        SourceState = "running"
	SourceSucceeded      SourceState = "succeeded"
	SourcePartialFailure SourceState = "partial_failure"
	SourceFailed         SourceState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SourceState) Terminal() bool {
	switch s {
	case SourceSucceeded, SourcePartialFailure, SourceFailed:
		return true
	default:
		return false
	}
}

// RunState is the aggregate outcome of a pipeline run.
type RunState string

// Pipeline aggregate states.
const (
	RunRunning        RunState = "running"
	RunSucceeded      RunState = "succeeded"
	RunPartialSuccess RunState = "partial_success"
	RunFailed         RunState = "failed"
)

// SourceRunStatus is the per-source outcome of one run.
type SourceRunStatus struct {
	RunID           string      `json:"run_id"`
	Source          string      `json:"source"`
	State           SourceState `json:"state"`
	RecordsIngested int         `json:"records_ingested"`
	Errors          []string    `json:"errors,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
}

// Aggregate derives the run state from its sources: succeeded only when every
// source succeeded, partial success when any source ingested records.
func Aggregate(sources []SourceRunStatus) RunState {
	if len(sources) == 0 {
		return RunFailed
	}
	all, ingested := true, false
	for _, s := range sources {
		if !s.State.Terminal() {
			return RunRunning
		}
		if s.State != SourceSucceeded {
			all = false
		}
		if s.RecordsIngested > 0 {
			ingested = true
		}
	}
	switch {
	case all:
		return RunSucceeded
	case ingested:
		return RunPartialSuccess
	default:
		return RunFailed
	}
}

// RunSnapshot is a point-in-time view of a pipeline run.
type RunSnapshot struct {
	RunID      string            `json:"run_id"`
	State      RunState          `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Sources    []SourceRunStatus `json:"sources"`
}

// Counts tallies records through the pipeline stages.
type Counts struct {
	Fetched   int `json:"fetched"`
	Validated int `json:"validated"`
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
	Errors    int `json:"errors"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Fetched += other.Fetched
	c.Validated += other.Validated
	c.Accepted += other.Accepted
	c.Duplicate += other.Duplicate
	c.Rejected += other.Rejected
	c.Errors += other.Errors
}

// Ingested is accepted plus duplicate; both mean the record is in the store.
func (c Counts) Ingested() int {
	return c.Accepted + c.Duplicate
}

// SourceReport is the per-source part of a PipelineReport.
type SourceReport struct {
	Status   SourceRunStatus    `json:"status"`
	Counts   Counts             `json:"counts"`
	Rejected []ValidationResult `json:"rejected,omitempty"`
}

// PipelineReport summarizes a complete run.
type PipelineReport struct {
	RunID      string                  `json:"run_id"`
	State      RunState                `json:"state"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Totals     Counts                  `json:"totals"`
	Sources    map[string]SourceReport `json:"sources"`
}

// RatePolicy bounds the retry behavior for a source.
type RatePolicy struct {
	DelayMin   time.Duration
	DelayMax   time.Duration
	MaxRetries int
}

// RequestSpec describes one document fetch.
type RequestSpec struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
	Render  bool
	Policy  RatePolicy
}

// RawPayload is a fetched document.
type RawPayload struct {
	SourceID    string
	// RequestURL is the configured document URL; URL is where the body came from after redirects.
	RequestURL  string
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Attempts    int
	Duration    time.Duration
	ArchiveURI  string
}
