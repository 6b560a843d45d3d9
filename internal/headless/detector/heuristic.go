// Package detector decides when a plain HTTP response should be re-fetched
// through the headless browser before extraction.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
)

// Heuristic promotes HTML pages that carry no table and look like a
// client-rendered shell.
type Heuristic struct {
	BodyLengthThreshold int
}

var _ fetcher.Promoter = (*Heuristic)(nil)

// NewHeuristic creates a new detector. A zero threshold means 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote decides whether a headless fetch is required. Workbooks and
// pages that already contain a table are never promoted.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != 200 || !isHTML(resp) {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if bytes.Contains(bytes.ToLower(body), []byte("<table")) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isHTML(resp fetcher.Response) bool {
	if resp.ContentType == "" {
		return true
	}
	return strings.Contains(strings.ToLower(resp.ContentType), "html")
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		nextSearch := total
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}
		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
