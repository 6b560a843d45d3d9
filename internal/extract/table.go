// Package extract converts fetched source documents into candidate records.
//
// Every supported document is reduced to a grid of cell text first. A Table
// then maps the grid onto records using one of two layouts:
//
//   - wide: a header row of years, one item per row, values in the year columns
//   - long: a header row of field names, one record per row
package extract

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Defaults fill record fields that the grid does not carry.
type Defaults struct {
	Source    string
	Commodity string
	Location  string
	Year      string
	Unit      string
}

// Table describes how to read a grid.
type Table struct {
	Layout    string
	HeaderRow int
	Defaults  Defaults
}

// Convert maps rows onto candidate records. Rows above HeaderRow are ignored.
// It returns an error only when the header row is missing.
func (t Table) Convert(rows [][]string) ([]pipeline.CandidateRecord, error) {
	header, body, ok := splitHeader(rows, t.HeaderRow)
	if !ok {
		return nil, errNoHeader
	}
	if t.Layout == config.LayoutLong {
		return t.long(header, body), nil
	}
	return t.wide(header, body), nil
}

func (t Table) wide(header []string, body [][]string) []pipeline.CandidateRecord {
	var out []pipeline.CandidateRecord
	for _, row := range body {
		item := cell(row, 0)
		if item == "" {
			continue
		}
		for col := 1; col < len(header); col++ {
			year := yearLabel(header[col])
			value := cell(row, col)
			if year == "" || value == "" {
				continue
			}
			unit := t.Defaults.Unit
			if unit == "" {
				unit = InferUnit(item)
			}
			out = append(out, pipeline.CandidateRecord{
				Item:      item,
				Value:     value,
				Unit:      unit,
				Commodity: t.Defaults.Commodity,
				Location:  t.Defaults.Location,
				Year:      year,
				Source:    t.Defaults.Source,
			})
		}
	}
	return out
}

func (t Table) long(header []string, body [][]string) []pipeline.CandidateRecord {
	index := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ReplaceAll(pipeline.NormalizeText(name), " ", "_")
		if _, seen := index[key]; !seen && key != "" {
			index[key] = i
		}
	}
	field := func(row []string, name, fallback string) string {
		if i, ok := index[name]; ok {
			if v := cell(row, i); v != "" {
				return v
			}
		}
		return fallback
	}

	var out []pipeline.CandidateRecord
	for _, row := range body {
		if blank(row) {
			continue
		}
		item := field(row, "item", "")
		unit := field(row, "unit", t.Defaults.Unit)
		if unit == "" && item != "" {
			unit = InferUnit(item)
		}
		out = append(out, pipeline.CandidateRecord{
			Item:      item,
			Value:     field(row, "value", ""),
			Unit:      unit,
			Commodity: field(row, "commodity", t.Defaults.Commodity),
			Location:  field(row, "location", t.Defaults.Location),
			Year:      yearLabel(field(row, "year", t.Defaults.Year)),
			Source:    field(row, "source", t.Defaults.Source),
			Category:  field(row, "category", ""),
			SoilType:  field(row, "soil_type", ""),
			Rotation:  field(row, "rotation", ""),
			Tillage:   field(row, "tillage", ""),
			Notes:     field(row, "notes", ""),
		})
	}
	return out
}

// InferUnit guesses a unit from the item label when the document has none.
func InferUnit(item string) string {
	lower := strings.ToLower(item)
	switch {
	case strings.Contains(lower, "yield"):
		return "bu/acre"
	case strings.Contains(lower, "price"):
		return "$/bu"
	default:
		return "$/acre"
	}
}

func splitHeader(rows [][]string, headerRow int) ([]string, [][]string, bool) {
	if headerRow < 0 || headerRow >= len(rows) {
		return nil, nil, false
	}
	header := rows[headerRow]
	if blank(header) {
		return nil, nil, false
	}
	return header, rows[headerRow+1:], true
}

// yearLabel turns spreadsheet renderings such as "2023.0" into "2023".
func yearLabel(raw string) string {
	s := strings.TrimSpace(raw)
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) && f >= 1000 && f <= 9999 {
		return strconv.Itoa(int(f))
	}
	return s
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.Join(strings.Fields(row[i]), " ")
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
