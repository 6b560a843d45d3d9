// Package fetcher implements the Fetch Executor: per-attempt transport calls
// driven by an explicit retry state machine with randomized exponential backoff.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request is one transport-level attempt.
type Request struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// Response is a completed transport attempt. Transports return it for every
// status code; the executor decides what is an error.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Transport performs a single attempt without retries.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}
