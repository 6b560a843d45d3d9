// Package standardize turns raw records into processed records: units,
// commodities and locations are mapped to canonical spellings and years to
// the split marketing-year form.
package standardize

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/validate"
)

// Rules is the full set of standardization inputs. Any change to Rules
// changes the derived processing version.
type Rules struct {
	Label            string
	SplitYears       bool
	UnitAliases      map[string]string
	CommodityAliases map[string]string
	LocationAliases  map[string]string
}

// DefaultUnitAliases map common spellings onto the canonical unit vocabulary.
var DefaultUnitAliases = map[string]string{
	"$/bushel":     "$/bu",
	"$ per bushel": "$/bu",
	"dollars/bu":   "$/bu",
	"bushel/acre":  "bu/acre",
	"bushels/acre": "bu/acre",
	"bu./acre":     "bu/acre",
	"bu/ac":        "bu/acre",
	"$/ac":         "$/acre",
	"$ per acre":   "$/acre",
	"dollars/acre": "$/acre",
	"$/a":          "$/acre",
	"lbs/acre":     "lb/acre",
	"$/lbs":        "$/lb",
}

// DefaultCommodityAliases canonicalize commodity names.
var DefaultCommodityAliases = map[string]string{
	"corn":          "Corn",
	"maize":         "Corn",
	"soybean":       "Soybeans",
	"soybeans":      "Soybeans",
	"soy":           "Soybeans",
	"wheat":         "Wheat",
	"cotton":        "Cotton",
	"upland cotton": "Cotton",
}

// DefaultLocationAliases canonicalize location names.
var DefaultLocationAliases = map[string]string{
	"us":            "National",
	"u.s.":          "National",
	"united states": "National",
	"national":      "National",
	"ia":            "Iowa",
	"il":            "Illinois",
	"in":            "Indiana",
	"oh":            "Ohio",
	"ms":            "Mississippi",
	"tn":            "Tennessee",
	"nd":            "North Dakota",
}

var yearRange = regexp.MustCompile(`^(\d{4})\s*[-/–]\s*(\d{2}|\d{4})$`)

// Standardizer applies Rules. It holds no mutable state.
type Standardizer struct {
	rules   Rules
	version string
}

// New normalizes the alias keys of rules and derives the processing version.
func New(rules Rules) *Standardizer {
	rules.UnitAliases = normalizeKeys(rules.UnitAliases)
	rules.CommodityAliases = normalizeKeys(rules.CommodityAliases)
	rules.LocationAliases = normalizeKeys(rules.LocationAliases)
	if rules.Label == "" {
		rules.Label = "v1"
	}
	return &Standardizer{rules: rules, version: deriveVersion(rules)}
}

// FromConfig builds a Standardizer from the defaults overlaid with configured
// aliases. Keys are compared after normalization, so a configured "US" replaces
// the default "us".
func FromConfig(c config.StandardizeConfig) *Standardizer {
	return New(Rules{
		Label:            c.VersionLabel,
		SplitYears:       c.SplitYears,
		UnitAliases:      merge(DefaultUnitAliases, c.UnitAliases),
		CommodityAliases: merge(DefaultCommodityAliases, c.CommodityAliases),
		LocationAliases:  merge(DefaultLocationAliases, c.LocationAliases),
	})
}

// Version is the label plus a digest of the rule tables, e.g. "v1-3f2a9c0d1e4b".
func (s *Standardizer) Version() string {
	return s.version
}

// Apply standardizes one raw record. Apply is idempotent on its output fields.
func (s *Standardizer) Apply(raw pipeline.RawRecord, at time.Time) pipeline.ProcessedRecord {
	unit := lookup(s.rules.UnitAliases, raw.Unit)
	item := strings.Join(strings.Fields(raw.Item), " ")
	return pipeline.ProcessedRecord{
		RawID:             raw.ID,
		ContentHash:       raw.ContentHash,
		Item:              item,
		Value:             raw.Value,
		Unit:              unit,
		Commodity:         lookup(s.rules.CommodityAliases, raw.Commodity),
		Location:          lookup(s.rules.LocationAliases, raw.Location),
		Year:              s.year(raw.Year),
		Source:            strings.TrimSpace(raw.Source),
		Category:          validate.Category(item, unit),
		Score:             raw.Score,
		ProcessedAt:       at,
		ProcessingVersion: s.version,
	}
}

func (s *Standardizer) year(raw string) string {
	y := strings.TrimSpace(raw)
	if m := yearRange.FindStringSubmatch(y); m != nil {
		first, _ := strconv.Atoi(m[1])
		second := atoi(m[2])
		if len(m[2]) == 2 {
			second += first / 100 * 100
			if second < first {
				second += 100
			}
		}
		return fmt.Sprintf("%d/%d", first, second)
	}
	if s.rules.SplitYears && len(y) == 4 {
		if first, err := strconv.Atoi(y); err == nil {
			return fmt.Sprintf("%d/%d", first, first+1)
		}
	}
	return y
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func lookup(aliases map[string]string, value string) string {
	collapsed := strings.Join(strings.Fields(value), " ")
	if canonical, ok := aliases[pipeline.NormalizeText(collapsed)]; ok {
		return canonical
	}
	return collapsed
}

// normalizeKeys visits keys in sorted order; when two keys normalize to the
// same alias the lexically last one wins.
func normalizeKeys(in map[string]string) map[string]string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(in))
	for _, k := range keys {
		out[pipeline.NormalizeText(k)] = strings.TrimSpace(in[k])
	}
	return out
}

func merge(base, overlay map[string]string) map[string]string {
	out := normalizeKeys(base)
	for k, v := range normalizeKeys(overlay) {
		out[k] = v
	}
	return out
}

func deriveVersion(r Rules) string {
	fields := []string{r.Label, strconv.FormatBool(r.SplitYears)}
	for _, table := range []map[string]string{r.UnitAliases, r.CommodityAliases, r.LocationAliases} {
		keys := make([]string, 0, len(table))
		for k := range table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, k+"="+table[k])
		}
		fields = append(fields, "|")
	}
	return r.Label + "-" + sha256.Fields(fields...)[:12]
}
