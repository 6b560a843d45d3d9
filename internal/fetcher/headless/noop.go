package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
)

// ErrDisabled is returned when a rendered source is fetched with headless.enabled off.
var ErrDisabled = errors.New("headless fetching is disabled")

// Noop stands in for the browser transport when headless fetching is disabled.
type Noop struct{}

// NewNoop creates a new Noop transport.
func NewNoop() *Noop {
	return &Noop{}
}

// Do always fails with ErrDisabled, which the executor treats as non-transient.
func (Noop) Do(_ context.Context, _ fetcher.Request) (fetcher.Response, error) {
	return fetcher.Response{}, ErrDisabled
}
