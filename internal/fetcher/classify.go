package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// ErrUnsupportedScheme is returned for targets other than http and https.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Transient reports whether an attempt error is worth retrying: timeouts,
// 5xx, 429, connection reset or refused and truncated responses. Everything
// else, including other 4xx codes, fails immediately.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	if errors.Is(err, ErrUnsupportedScheme) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection reset", "connection refused", "timeout", "unexpected eof", "tls handshake"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// checkTarget rejects malformed or non-HTTP targets before any attempt.
func checkTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("target %q has no host", raw)
	}
	return nil
}
