// Package export writes stored records as XLSX workbooks, CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Format is an output encoding.
type Format string

// Supported formats.
const (
	XLSX Format = "xlsx"
	CSV  Format = "csv"
	JSON Format = "json"
)

// Table selects which record set is exported.
type Table string

// Exportable tables.
const (
	Processed Table = "processed"
	Raw       Table = "raw"
)

// ParseFormat accepts xlsx (or excel), csv and json, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xlsx", "excel", "":
		return XLSX, nil
	case "csv":
		return CSV, nil
	case "json":
		return JSON, nil
	default:
		return "", eris.Errorf("export: unsupported format %q", s)
	}
}

// ParseTable accepts processed and raw; empty means processed.
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processed", "processed_data", "":
		return Processed, nil
	case "raw", "raw_data":
		return Raw, nil
	default:
		return "", eris.Errorf("export: unknown table %q", s)
	}
}

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case CSV:
		return "text/csv"
	case JSON:
		return "application/json"
	default:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
}

// Extension is the file extension for f, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

var processedHeader = []string{
	"content_hash", "item", "value", "unit", "commodity", "location", "year",
	"source", "category", "score", "processing_version", "processed_at",
}

var rawHeader = []string{
	"content_hash", "item", "value", "unit", "commodity", "location", "year",
	"source", "category", "soil_type", "rotation", "tillage", "notes",
	"score", "flagged", "first_seen_at", "scraped_at",
}

// WriteProcessed encodes processed records to w.
func WriteProcessed(w io.Writer, f Format, records []pipeline.ProcessedRecord) error {
	if f == JSON {
		return writeJSON(w, records)
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ContentHash, r.Item, formatValue(r.Value), r.Unit, r.Commodity, r.Location, r.Year,
			r.Source, r.Category, strconv.Itoa(r.Score), r.ProcessingVersion, formatTime(r.ProcessedAt),
		})
	}
	return writeTable(w, f, "processed_data", processedHeader, rows)
}

// WriteRaw encodes raw records to w.
func WriteRaw(w io.Writer, f Format, records []pipeline.RawRecord) error {
	if f == JSON {
		return writeJSON(w, records)
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ContentHash, r.Item, formatValue(r.Value), r.Unit, r.Commodity, r.Location, r.Year,
			r.Source, r.Category, r.SoilType, r.Rotation, r.Tillage, r.Notes,
			strconv.Itoa(r.Score), strconv.FormatBool(r.Flagged), formatTime(r.FirstSeenAt), formatTime(r.ScrapedAt),
		})
	}
	return writeTable(w, f, "raw_data", rawHeader, rows)
}

func writeTable(w io.Writer, f Format, sheet string, header []string, rows [][]string) error {
	switch f {
	case CSV:
		return writeCSV(w, header, rows)
	case XLSX:
		return writeXLSX(w, sheet, header, rows)
	default:
		return eris.Errorf("export: unsupported format %q", f)
	}
}

func writeJSON(w io.Writer, records any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return eris.Wrap(err, "export: encode JSON")
	}
	return nil
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "export: write CSV header")
	}
	if err := cw.WriteAll(rows); err != nil {
		return eris.Wrap(err, "export: write CSV rows")
	}
	return nil
}

func writeXLSX(w io.Writer, name string, header []string, rows [][]string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(name)
	if err != nil {
		return eris.Wrapf(err, "export: add sheet %s", name)
	}
	addRow(sheet, header)
	for _, row := range rows {
		addRow(sheet, row)
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
