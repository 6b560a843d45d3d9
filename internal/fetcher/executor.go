package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/metrics"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

const defaultAttemptTimeout = 30 * time.Second

// Waiter spaces requests to the same host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Promoter decides whether an HTTP response needs a browser render.
type Promoter interface {
	ShouldPromote(resp Response) bool
}

// Options configures an Executor. Only HTTP is required.
type Options struct {
	HTTP     Transport
	Headless Transport
	// Promoter re-fetches qualifying HTTP responses through Headless.
	Promoter Promoter
	Limiter  Waiter
	Archive  pipeline.BlobStore
	Hasher   pipeline.Hasher
	Clock    pipeline.Clock
	Logger   *zap.Logger

	// MaxBackoff caps a single wait; zero means uncapped.
	MaxBackoff    time.Duration
	ArchivePrefix string
}

// Executor fetches documents under a per-source rate policy. Concurrent
// Fetch calls share only the transports and the per-host limiter.
type Executor struct {
	opts   Options
	logger *zap.Logger

	randMu sync.Mutex
	rng    *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ pipeline.Fetcher = (*Executor)(nil)

// New validates opts and builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.HTTP == nil {
		return nil, errors.New("fetcher: http transport is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("fetcher: clock is required")
	}
	if opts.Archive != nil && opts.Hasher == nil {
		return nil, errors.New("fetcher: hasher is required when archiving")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		opts:   opts,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not security
		sleep:  sleepContext,
	}, nil
}

// state is a step of the retry state machine.
type state int

const (
	stateAttempting state = iota
	stateWaiting
	stateSucceeded
	stateExhausted
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateWaiting:
		return "waiting"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// fetchRun carries the machine's data for one Fetch call.
type fetchRun struct {
	sourceID  string
	spec      pipeline.RequestSpec
	transport Transport
	rendered  bool
	attempts  int
	lastErr   error
	resp      Response
	started   time.Time
}

// Fetch retrieves spec.URL, retrying transient failures. It makes at most
// spec.Policy.MaxRetries+1 attempts.
func (e *Executor) Fetch(ctx context.Context, sourceID string, spec pipeline.RequestSpec) (pipeline.RawPayload, error) {
	if err := checkTarget(spec.URL); err != nil {
		e.logger.Warn("fetch target rejected", zap.String("source", sourceID), zap.String("url", spec.URL), zap.Error(err))
		return pipeline.RawPayload{}, &pipeline.NonTransientError{SourceID: sourceID, Err: err}
	}
	run := &fetchRun{
		sourceID: sourceID,
		spec:     spec,
		started:  e.opts.Clock.Now(),
	}
	run.transport, run.rendered = e.transportFor(spec)
	if e.opts.Limiter != nil {
		if err := e.opts.Limiter.Wait(ctx, spec.URL); err != nil {
			return pipeline.RawPayload{}, e.cancelled(run, err)
		}
	}

	st := stateAttempting
	for {
		switch st {
		case stateAttempting:
			st = e.attempt(ctx, run)
		case stateWaiting:
			st = e.wait(ctx, run)
		case stateSucceeded:
			e.promote(ctx, run)
			return e.payload(ctx, run), nil
		case stateExhausted:
			return pipeline.RawPayload{}, &pipeline.FetchExhaustedError{
				SourceID: sourceID,
				Attempts: run.attempts,
				LastErr:  run.lastErr,
			}
		case stateFailed:
			if ctx.Err() != nil {
				return pipeline.RawPayload{}, e.cancelled(run, ctx.Err())
			}
			return pipeline.RawPayload{}, &pipeline.NonTransientError{
				SourceID: sourceID,
				Attempts: run.attempts,
				Err:      run.lastErr,
			}
		}
	}
}

func (e *Executor) transportFor(spec pipeline.RequestSpec) (Transport, bool) {
	if spec.Render && e.opts.Headless != nil {
		return e.opts.Headless, true
	}
	return e.opts.HTTP, false
}

func (e *Executor) attempt(ctx context.Context, run *fetchRun) state {
	run.attempts++
	timeout := run.spec.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := run.transport.Do(attemptCtx, Request{URL: run.spec.URL, Headers: run.spec.Headers, Timeout: timeout})
	latency := time.Since(start)
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = &StatusError{URL: run.spec.URL, Code: resp.StatusCode}
	}

	next := stateSucceeded
	outcome := "success"
	switch {
	case err == nil:
		run.resp = resp
	case ctx.Err() != nil:
		next, outcome = stateFailed, "cancelled"
	case !Transient(err):
		next, outcome = stateFailed, "non_transient"
	case run.attempts > run.spec.Policy.MaxRetries:
		next, outcome = stateExhausted, "exhausted"
	default:
		next, outcome = stateWaiting, "transient"
	}
	if err != nil {
		run.lastErr = err
	}

	fields := []zap.Field{
		zap.String("source", run.sourceID),
		zap.Int("attempt", run.attempts),
		zap.Duration("latency", latency),
		zap.String("outcome", outcome),
		zap.Int("status", resp.StatusCode),
		zap.String("url", run.spec.URL),
	}
	if err != nil {
		e.logger.Warn("fetch attempt failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("fetch attempt", append(fields, zap.Int("bytes", len(resp.Body)))...)
		metrics.ObserveFetchBytes(run.spec.URL, len(resp.Body))
	}
	metrics.ObserveFetchAttempt(run.sourceID, outcome, latency)
	return next
}

// promote swaps in a rendered body when the HTTP response looks like a
// client-side shell. A failed render keeps the HTTP body.
func (e *Executor) promote(ctx context.Context, run *fetchRun) {
	if e.opts.Promoter == nil || e.opts.Headless == nil || run.rendered {
		return
	}
	if !e.opts.Promoter.ShouldPromote(run.resp) {
		return
	}
	timeout := run.spec.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.opts.Headless.Do(renderCtx, Request{URL: run.spec.URL, Headers: run.spec.Headers, Timeout: timeout})
	latency := time.Since(start)
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = &StatusError{URL: run.spec.URL, Code: resp.StatusCode}
	}
	if err != nil {
		e.logger.Warn("headless promotion failed; keeping http body",
			zap.String("source", run.sourceID),
			zap.String("url", run.spec.URL),
			zap.Error(err),
		)
		metrics.ObserveFetchAttempt(run.sourceID, "promotion_failed", latency)
		return
	}
	e.logger.Info("promoted to headless render",
		zap.String("source", run.sourceID),
		zap.String("url", run.spec.URL),
		zap.Int("http_bytes", len(run.resp.Body)),
		zap.Int("rendered_bytes", len(resp.Body)),
	)
	metrics.ObserveFetchAttempt(run.sourceID, "promoted", latency)
	run.resp = resp
}

func (e *Executor) wait(ctx context.Context, run *fetchRun) state {
	delay := e.backoff(run.spec.Policy, run.attempts)
	e.logger.Debug("fetch backoff",
		zap.String("source", run.sourceID),
		zap.Int("attempt", run.attempts),
		zap.Duration("delay", delay),
	)
	if err := e.sleep(ctx, delay); err != nil {
		return stateFailed
	}
	return stateAttempting
}

// backoff returns uniform[DelayMin, DelayMax] * 2^(retry-1) for the given
// retry number, capped by MaxBackoff.
func (e *Executor) backoff(policy pipeline.RatePolicy, retry int) time.Duration {
	lo, hi := policy.DelayMin, policy.DelayMax
	if hi < lo {
		hi = lo
	}
	e.randMu.Lock()
	frac := e.rng.Float64()
	e.randMu.Unlock()
	base := float64(lo) + frac*float64(hi-lo)
	d := base * math.Pow(2, float64(max(retry-1, 0)))
	if limit := e.opts.MaxBackoff; limit > 0 && d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

func (e *Executor) payload(ctx context.Context, run *fetchRun) pipeline.RawPayload {
	payload := pipeline.RawPayload{
		SourceID:    run.sourceID,
		RequestURL:  run.spec.URL,
		URL:         run.resp.URL,
		StatusCode:  run.resp.StatusCode,
		ContentType: run.resp.ContentType,
		Body:        run.resp.Body,
		FetchedAt:   e.opts.Clock.Now(),
		Attempts:    run.attempts,
		Duration:    e.opts.Clock.Now().Sub(run.started),
	}
	if payload.URL == "" {
		payload.URL = run.spec.URL
	}
	if e.opts.Archive != nil {
		uri, err := e.archive(ctx, payload)
		if err != nil {
			e.logger.Warn("payload archive failed", zap.String("source", run.sourceID), zap.Error(err))
		} else {
			payload.ArchiveURI = uri
		}
	}
	return payload
}

func (e *Executor) archive(ctx context.Context, payload pipeline.RawPayload) (string, error) {
	digest, err := e.opts.Hasher.Hash(payload.Body)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	objectPath := path.Join(e.opts.ArchivePrefix, payload.SourceID, digest+extension(payload))
	uri, err := e.opts.Archive.PutObject(ctx, objectPath, payload.ContentType, bytes.NewReader(payload.Body))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", objectPath, err)
	}
	return uri, nil
}

func (e *Executor) cancelled(run *fetchRun, cause error) error {
	e.logger.Info("fetch cancelled",
		zap.String("source", run.sourceID),
		zap.Int("attempt", run.attempts),
		zap.Error(cause),
	)
	return fmt.Errorf("source %s: fetch %w after %d attempts: %w", run.sourceID, pipeline.ErrCancelled, run.attempts, cause)
}

// extension prefers the URL's file extension, then the content type.
func extension(payload pipeline.RawPayload) string {
	if ext := path.Ext(strings.SplitN(payload.URL, "?", 2)[0]); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	if payload.ContentType != "" {
		if exts, err := mime.ExtensionsByType(payload.ContentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
