package pipeline

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/cropcost-pipeline/internal/hash/sha256"
)

// NormalizeText trims, collapses inner whitespace and lowercases s.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NormalizeValue renders numeric text in its shortest canonical decimal form.
// Unparseable text falls back to NormalizeText.
func NormalizeValue(raw string) string {
	v, err := ParseNumber(raw)
	if err != nil {
		return NormalizeText(raw)
	}
	return CanonicalNumber(v)
}

// CanonicalNumber formats v without exponent or trailing zeros.
func CanonicalNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ContentHash is the dedup identity of a record: a SHA-256 digest over the
// normalized item, value, unit, commodity, location, year and source, in that order.
func ContentHash(rec CandidateRecord) string {
	return sha256.Fields(
		NormalizeText(rec.Item),
		NormalizeValue(rec.Value),
		NormalizeText(rec.Unit),
		NormalizeText(rec.Commodity),
		NormalizeText(rec.Location),
		NormalizeText(rec.Year),
		NormalizeText(rec.Source),
	)
}

// RawContentHash recomputes the identity of a stored record.
func RawContentHash(rec RawRecord) string {
	return sha256.Fields(
		NormalizeText(rec.Item),
		CanonicalNumber(rec.Value),
		NormalizeText(rec.Unit),
		NormalizeText(rec.Commodity),
		NormalizeText(rec.Location),
		NormalizeText(rec.Year),
		NormalizeText(rec.Source),
	)
}
