// Package system provides the wall clock used for scraped_at and processed_at stamps.
package system

import (
	"time"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

var _ pipeline.Clock = Clock{}

// Clock implements pipeline.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to microseconds so values
// survive a round trip through Postgres and SQLite unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
