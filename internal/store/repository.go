package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnknownField is returned by Distinct for fields that cannot be enumerated.
var ErrUnknownField = errors.New("unknown field")

// DistinctFields lists the columns Distinct accepts.
var DistinctFields = []string{"item", "unit", "commodity", "location", "year", "source", "category"}

// IngestSummary accounts for every result handed to one Ingest call.
type IngestSummary struct {
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
}

// Total is the number of results the summary covers.
func (s IngestSummary) Total() int {
	return s.Accepted + s.Duplicate + s.Rejected
}

// StandardizeSummary reports one standardization pass.
type StandardizeSummary struct {
	Version string `json:"version"`
	Written int    `json:"written"`
	Skipped int    `json:"skipped"`
}

// Standardizer maps raw records to processed records for one processing version.
type Standardizer interface {
	Version() string
	Apply(raw pipeline.RawRecord, at time.Time) pipeline.ProcessedRecord
}

// Filter narrows record listings. Zero values match everything.
type Filter struct {
	Commodity string
	Location  string
	Year      string
	Source    string
	Version   string
	MinScore  int
	Limit     int
	Offset    int
}

// Summary aggregates the stored dataset.
type Summary struct {
	RawRecords       int            `json:"raw_records"`
	FlaggedRecords   int            `json:"flagged_records"`
	ProcessedRecords int            `json:"processed_records"`
	Versions         []string       `json:"versions"`
	BySource         map[string]int `json:"by_source"`
	LastScrapedAt    *time.Time     `json:"last_scraped_at,omitempty"`
}

// Repository is the Ingestion Store. Every I/O failure is reported as a
// *pipeline.StoreUnavailableError.
type Repository interface {
	// Ingest persists the valid results of one batch atomically.
	Ingest(ctx context.Context, results []pipeline.ValidationResult) (IngestSummary, error)
	// Standardize writes processed rows for raw records that have none for
	// the standardizer's version or were re-affirmed since. Each row commits
	// on its own.
	Standardize(ctx context.Context, s Standardizer) (StandardizeSummary, error)
	// RecordRun appends one source outcome to the audit log.
	RecordRun(ctx context.Context, status pipeline.SourceRunStatus) error

	ListRaw(ctx context.Context, f Filter) ([]pipeline.RawRecord, error)
	ListProcessed(ctx context.Context, f Filter) ([]pipeline.ProcessedRecord, error)
	GetRaw(ctx context.Context, contentHash string) (pipeline.RawRecord, error)
	Summary(ctx context.Context) (Summary, error)
	Distinct(ctx context.Context, field string) ([]string, error)
	ListRuns(ctx context.Context, limit int) ([]pipeline.SourceRunStatus, error)

	Ping(ctx context.Context) error
	Close() error
}

// ValidField reports whether Distinct accepts field.
func ValidField(field string) bool {
	for _, f := range DistinctFields {
		if f == field {
			return true
		}
	}
	return false
}

// PageSize applies def when no limit is set and caps the limit at ceiling.
func (f Filter) PageSize(def, ceiling int) int {
	switch {
	case f.Limit <= 0:
		return def
	case f.Limit > ceiling:
		return ceiling
	default:
		return f.Limit
	}
}

// MatchRaw reports whether r satisfies the filter. Text comparisons ignore
// case and surrounding whitespace.
func (f Filter) MatchRaw(r pipeline.RawRecord) bool {
	return f.match(r.Commodity, r.Location, r.Year, r.Source, r.Score)
}

// MatchProcessed is MatchRaw for processed rows, including the version.
func (f Filter) MatchProcessed(p pipeline.ProcessedRecord) bool {
	if f.Version != "" && f.Version != p.ProcessingVersion {
		return false
	}
	return f.match(p.Commodity, p.Location, p.Year, p.Source, p.Score)
}

func (f Filter) match(commodity, location, year, source string, score int) bool {
	return equalFold(f.Commodity, commodity) &&
		equalFold(f.Location, location) &&
		equalFold(f.Year, year) &&
		equalFold(f.Source, source) &&
		score >= f.MinScore
}

func equalFold(want, got string) bool {
	return want == "" || pipeline.NormalizeText(want) == pipeline.NormalizeText(got)
}
