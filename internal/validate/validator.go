// Package validate scores candidate records against presence, type, range,
// format and referential rules.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Rule names a validation rule; weights are keyed by rule.
type Rule string

// Supported rules.
const (
	RulePresence    Rule = "presence"
	RuleType        Rule = "type"
	RuleRange       Rule = "range"
	RuleRangeUpper  Rule = "range_upper"
	RuleYearFormat  Rule = "year_format"
	RuleUnit        Rule = "unit"
	RuleReferential Rule = "referential"
)

// fatalRules invalidate a record; every other rule only lowers its score.
var fatalRules = map[Rule]bool{
	RulePresence: true,
	RuleType:     true,
	RuleRange:    true,
}

// Bound is an inclusive value range for one item category.
type Bound struct {
	Min float64
	Max float64
}

// Config holds the validator thresholds. Empty known sets disable the
// corresponding referential check.
type Config struct {
	MinYear          int
	MaxYear          int
	Units            []string
	KnownCommodities []string
	KnownLocations   []string
	KnownSources     []string
	Bounds           map[string]Bound
	Weights          map[Rule]int
}

// DefaultWeights are applied for any rule the config leaves out.
var DefaultWeights = map[Rule]int{
	RulePresence:    25,
	RuleType:        40,
	RuleRange:       30,
	RuleRangeUpper:  10,
	RuleYearFormat:  10,
	RuleUnit:        10,
	RuleReferential: 5,
}

// DefaultBounds are the sanity ranges per item category.
var DefaultBounds = map[string]Bound{
	CategoryCost:    {Min: 0, Max: 2000},
	CategoryYield:   {Min: 0, Max: 500},
	CategoryPrice:   {Min: 0, Max: 50},
	CategoryReturns: {Min: -2000, Max: 4000},
}

var (
	singleYear = regexp.MustCompile(`^(\d{4})$`)
	splitYear  = regexp.MustCompile(`^(\d{4})/(\d{4})$`)
)

// Validator is safe for concurrent use; Validate has no side effects.
type Validator struct {
	cfg         Config
	units       map[string]struct{}
	commodities map[string]struct{}
	locations   map[string]struct{}
	sources     map[string]struct{}
	weights     map[Rule]int
	structs     *validator.Validate
}

// New builds a Validator from cfg, filling unset weights and bounds from the defaults.
func New(cfg Config) *Validator {
	weights := make(map[Rule]int, len(DefaultWeights))
	for rule, w := range DefaultWeights {
		weights[rule] = w
	}
	for rule, w := range cfg.Weights {
		weights[rule] = w
	}
	if cfg.Bounds == nil {
		cfg.Bounds = DefaultBounds
	}
	structs := validator.New()
	structs.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{
		cfg:         cfg,
		units:       toSet(cfg.Units),
		commodities: toSet(cfg.KnownCommodities),
		locations:   toSet(cfg.KnownLocations),
		sources:     toSet(cfg.KnownSources),
		weights:     weights,
		structs:     structs,
	}
}

// ForSource returns a validator whose referential sets also accept the
// source-specific commodities and locations.
func (v *Validator) ForSource(commodities, locations []string) *Validator {
	if len(commodities) == 0 && len(locations) == 0 {
		return v
	}
	cfg := v.cfg
	cfg.KnownCommodities = append(append([]string(nil), v.cfg.KnownCommodities...), commodities...)
	cfg.KnownLocations = append(append([]string(nil), v.cfg.KnownLocations...), locations...)
	cfg.Weights = v.weights
	return New(cfg)
}

// Validate scores every candidate in batch, preserving order.
func (v *Validator) Validate(batch []pipeline.CandidateRecord) []pipeline.ValidationResult {
	results := make([]pipeline.ValidationResult, 0, len(batch))
	for _, rec := range batch {
		results = append(results, v.ValidateOne(rec))
	}
	return results
}

// ValidateOne scores a single candidate.
func (v *Validator) ValidateOne(rec pipeline.CandidateRecord) pipeline.ValidationResult {
	trimmed := trimRecord(rec)
	var violations []pipeline.Violation
	missing := map[string]bool{}

	for _, fe := range v.presenceErrors(trimmed) {
		missing[fe] = true
		violations = append(violations, violation(fe, RulePresence, fmt.Sprintf("%s is required", fe)))
	}

	if !missing["value"] {
		violations = append(violations, v.checkValue(trimmed)...)
	}
	if !missing["year"] {
		if msg := v.checkYear(trimmed.Year); msg != "" {
			violations = append(violations, violation("year", RuleYearFormat, msg))
		}
	}
	if !missing["unit"] && len(v.units) > 0 && !contains(v.units, trimmed.Unit) {
		violations = append(violations, violation("unit", RuleUnit, fmt.Sprintf("unit %q is not recognized", trimmed.Unit)))
	}
	violations = append(violations, v.checkReferential(trimmed, missing)...)

	score := 100
	valid := true
	for _, vi := range violations {
		score -= v.weights[Rule(vi.Rule)]
		if vi.Fatal {
			valid = false
		}
	}
	if score < 0 {
		score = 0
	}
	return pipeline.ValidationResult{
		Record:     rec,
		IsValid:    valid,
		Score:      score,
		Violations: violations,
	}
}

func (v *Validator) presenceErrors(rec pipeline.CandidateRecord) []string {
	err := v.structs.Struct(rec)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return fields
}

func (v *Validator) checkValue(rec pipeline.CandidateRecord) []pipeline.Violation {
	value, err := rec.ParseValue()
	if err != nil {
		return []pipeline.Violation{violation("value", RuleType, fmt.Sprintf("value %q is not a finite number", rec.Value))}
	}
	category := Category(rec.Item, rec.Unit)
	bound, ok := v.cfg.Bounds[category]
	if !ok {
		return nil
	}
	switch {
	case value < bound.Min:
		return []pipeline.Violation{violation("value", RuleRange,
			fmt.Sprintf("%s value %s is below minimum %s", category, formatFloat(value), formatFloat(bound.Min)))}
	case value > bound.Max:
		return []pipeline.Violation{violation("value", RuleRangeUpper,
			fmt.Sprintf("%s value %s exceeds sanity bound %s", category, formatFloat(value), formatFloat(bound.Max)))}
	}
	return nil
}

func (v *Validator) checkYear(year string) string {
	if m := singleYear.FindStringSubmatch(year); m != nil {
		return v.yearInWindow(m[1])
	}
	if m := splitYear.FindStringSubmatch(year); m != nil {
		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[2])
		if second != first+1 {
			return fmt.Sprintf("split year %q must span consecutive years", year)
		}
		return v.yearInWindow(m[1])
	}
	return fmt.Sprintf("year %q must look like 2023 or 2023/2024", year)
}

func (v *Validator) yearInWindow(raw string) string {
	y, _ := strconv.Atoi(raw)
	if v.cfg.MinYear != 0 && y < v.cfg.MinYear {
		return fmt.Sprintf("year %d is before %d", y, v.cfg.MinYear)
	}
	if v.cfg.MaxYear != 0 && y > v.cfg.MaxYear {
		return fmt.Sprintf("year %d is after %d", y, v.cfg.MaxYear)
	}
	return ""
}

func (v *Validator) checkReferential(rec pipeline.CandidateRecord, missing map[string]bool) []pipeline.Violation {
	checks := []struct {
		field string
		value string
		set   map[string]struct{}
	}{
		{"commodity", rec.Commodity, v.commodities},
		{"location", rec.Location, v.locations},
		{"source", rec.Source, v.sources},
	}
	var out []pipeline.Violation
	for _, c := range checks {
		if missing[c.field] || len(c.set) == 0 || contains(c.set, c.value) {
			continue
		}
		out = append(out, violation(c.field, RuleReferential, fmt.Sprintf("%s %q is not in the known set", c.field, c.value)))
	}
	return out
}

func violation(field string, rule Rule, msg string) pipeline.Violation {
	return pipeline.Violation{Field: field, Rule: string(rule), Message: msg, Fatal: fatalRules[rule]}
}

func trimRecord(rec pipeline.CandidateRecord) pipeline.CandidateRecord {
	rec.Item = strings.TrimSpace(rec.Item)
	rec.Value = strings.TrimSpace(rec.Value)
	rec.Unit = strings.TrimSpace(rec.Unit)
	rec.Commodity = strings.TrimSpace(rec.Commodity)
	rec.Location = strings.TrimSpace(rec.Location)
	rec.Year = strings.TrimSpace(rec.Year)
	rec.Source = strings.TrimSpace(rec.Source)
	return rec
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := pipeline.NormalizeText(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func contains(set map[string]struct{}, value string) bool {
	_, ok := set[pipeline.NormalizeText(value)]
	return ok
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
