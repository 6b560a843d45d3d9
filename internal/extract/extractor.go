package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

var (
	errNoHeader = errors.New("header row not found")
	errEmpty    = errors.New("empty payload")
)

// Reader turns a document body into a grid of cell text.
type Reader func(body []byte) ([][]string, error)

// Extractor applies a Reader and a Table to payloads of one source.
type Extractor struct {
	sourceID string
	read     Reader
	table    Table
	// Per-document defaults keyed by configured URL.
	documents map[string]Defaults
}

var _ pipeline.Extractor = (*Extractor)(nil)

// New builds an Extractor for the given source configuration.
func New(sourceID string, src config.SourceConfig) (*Extractor, error) {
	ec := src.Extractor
	var read Reader
	switch ec.Kind {
	case config.ExtractorXLSX:
		sheet := ec.Sheet
		read = func(body []byte) ([][]string, error) { return ReadXLSX(body, sheet) }
	case config.ExtractorHTML:
		selector := ec.TableSelector
		read = func(body []byte) ([][]string, error) { return ReadHTMLTable(body, selector) }
	default:
		return nil, pipeline.ConfigInvalid("sources.%s.extractor.kind %q is not supported", sourceID, ec.Kind)
	}

	base := Defaults{
		Source:    ec.SourceLabel,
		Commodity: ec.Commodity,
		Location:  ec.Location,
		Year:      ec.Year,
		Unit:      ec.Unit,
	}
	if base.Source == "" {
		base.Source = sourceID
	}
	docs := make(map[string]Defaults, len(src.Documents))
	for _, doc := range src.Documents {
		d := base
		if doc.Commodity != "" {
			d.Commodity = doc.Commodity
		}
		if doc.Year != "" {
			d.Year = doc.Year
		}
		docs[doc.URL] = d
	}
	return &Extractor{
		sourceID:  sourceID,
		read:      read,
		table:     Table{Layout: ec.Layout, HeaderRow: ec.HeaderRow, Defaults: base},
		documents: docs,
	}, nil
}

// Extract parses payload. Failures are *pipeline.ExtractionFailedError.
func (e *Extractor) Extract(payload pipeline.RawPayload) ([]pipeline.CandidateRecord, error) {
	if len(strings.TrimSpace(string(payload.Body))) == 0 {
		return nil, e.fail(payload, errEmpty)
	}
	rows, err := e.read(payload.Body)
	if err != nil {
		return nil, e.fail(payload, err)
	}
	table := e.table
	if d, ok := e.documents[payload.RequestURL]; ok {
		table.Defaults = d
	}
	records, err := table.Convert(rows)
	if err != nil {
		return nil, e.fail(payload, err)
	}
	return records, nil
}

func (e *Extractor) fail(payload pipeline.RawPayload, err error) error {
	return &pipeline.ExtractionFailedError{
		SourceID: e.sourceID,
		Detail:   fmt.Sprintf("document %s", payload.URL),
		Err:      err,
	}
}

// Registry maps source ids to their extractors.
type Registry map[string]pipeline.Extractor

// FromConfig builds an extractor for every configured source.
func FromConfig(cfg config.Config) (Registry, error) {
	reg := make(Registry, len(cfg.Sources))
	for _, id := range cfg.SourceIDs(false) {
		ex, err := New(id, cfg.Sources[id])
		if err != nil {
			return nil, err
		}
		reg[id] = ex
	}
	return reg, nil
}

// For returns the extractor registered for sourceID.
func (r Registry) For(sourceID string) (pipeline.Extractor, bool) {
	ex, ok := r[sourceID]
	return ex, ok
}
