package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use errors.Is.
var (
	ErrFetchExhausted     = errors.New("fetch retries exhausted")
	ErrNonTransient       = errors.New("non-transient fetch failure")
	ErrExtractionFailed   = errors.New("extraction failed")
	ErrValidationRejected = errors.New("record rejected by validation")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrCancelled          = errors.New("cancelled")
	ErrUnknownSource      = errors.New("unknown source")
)

// FetchExhaustedError is returned once every allowed attempt failed transiently.
type FetchExhaustedError struct {
	SourceID string
	Attempts int
	LastErr  error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("source %s: fetch exhausted after %d attempts: %v", e.SourceID, e.Attempts, e.LastErr)
}

// Unwrap exposes both the sentinel and the last attempt error.
func (e *FetchExhaustedError) Unwrap() []error {
	return []error{ErrFetchExhausted, e.LastErr}
}

// NonTransientError marks a fetch failure that must not be retried.
type NonTransientError struct {
	SourceID string
	Attempts int
	Err      error
}

func (e *NonTransientError) Error() string {
	return fmt.Sprintf("source %s: non-transient failure on attempt %d: %v", e.SourceID, e.Attempts, e.Err)
}

// Unwrap exposes the sentinel and the cause.
func (e *NonTransientError) Unwrap() []error {
	return []error{ErrNonTransient, e.Err}
}

// ExtractionFailedError reports an unparseable payload.
type ExtractionFailedError struct {
	SourceID string
	Detail   string
	Err      error
}

func (e *ExtractionFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: extraction failed: %s: %v", e.SourceID, e.Detail, e.Err)
	}
	return fmt.Sprintf("source %s: extraction failed: %s", e.SourceID, e.Detail)
}

// Unwrap exposes the sentinel and the cause.
func (e *ExtractionFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExtractionFailed}
	}
	return []error{ErrExtractionFailed, e.Err}
}

// StoreUnavailableError wraps a storage I/O failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the sentinel and the cause.
func (e *StoreUnavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// StoreUnavailable wraps err for op, leaving nil untouched.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *StoreUnavailableError
	if errors.As(err, &already) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// ConfigInvalid wraps a configuration problem.
func ConfigInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}
