package pipeline

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a source document, applying the request's retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string, spec RequestSpec) (RawPayload, error)
}

// Extractor turns a fetched document into candidate records. Implementations
// return *ExtractionFailedError when the payload cannot be parsed.
type Extractor interface {
	Extract(payload RawPayload) ([]CandidateRecord, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(payload RawPayload) ([]CandidateRecord, error)

// Extract calls f.
func (f ExtractorFunc) Extract(payload RawPayload) ([]CandidateRecord, error) {
	return f(payload)
}

// BlobStore persists raw payload bytes.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits run notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher creates digests for payload archival.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock allows deterministic time in tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
