// Package worker runs one source through the pipeline: every configured
// document is fetched, extracted, validated and ingested in order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
	"github.com/JakeFAU/cropcost-pipeline/internal/logging"
	"github.com/JakeFAU/cropcost-pipeline/internal/metrics"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/progress"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
	"github.com/JakeFAU/cropcost-pipeline/internal/validate"
)

// Extractors resolves the extractor for a source.
type Extractors interface {
	For(sourceID string) (pipeline.Extractor, bool)
}

// Config controls Worker behavior.
type Config struct {
	// PartialRejectRatio is the rejected fraction above which a source is
	// reported with an error even though records were ingested.
	PartialRejectRatio float64
}

// Source pairs a source id with its configuration.
type Source struct {
	ID     string
	Config config.SourceConfig
}

// Worker executes sources. It is safe for concurrent use.
type Worker struct {
	fetcher    pipeline.Fetcher
	extractors Extractors
	validator  *validate.Validator
	store      store.Repository
	clock      pipeline.Clock
	emitter    progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	f pipeline.Fetcher,
	extractors Extractors,
	validator *validate.Validator,
	repo store.Repository,
	clock pipeline.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	return &Worker{
		fetcher:    f,
		extractors: extractors,
		validator:  validator,
		store:      repo,
		clock:      clock,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
	}
}

// sourceRun accumulates the outcome of one source.
type sourceRun struct {
	runID     string
	src       Source
	report    pipeline.SourceReport
	cancelled bool
}

func (r *sourceRun) fail(err error) {
	r.report.Status.Errors = append(r.report.Status.Errors, err.Error())
}

// Process runs every document of src and returns its terminal report. The
// returned status is never Pending or Running.
func (w *Worker) Process(ctx context.Context, runID string, src Source) pipeline.SourceReport {
	run := &sourceRun{
		runID: runID,
		src:   src,
		report: pipeline.SourceReport{
			Status: pipeline.SourceRunStatus{
				RunID:     runID,
				Source:    src.ID,
				State:     pipeline.SourceRunning,
				StartedAt: w.clock.Now(),
			},
		},
	}
	logger := logging.ForSource(w.logger, runID, src.ID)

	extractor, ok := w.extractors.For(src.ID)
	if !ok {
		run.fail(fmt.Errorf("%w: no extractor registered for %s", pipeline.ErrConfigInvalid, src.ID))
		return w.finish(ctx, run, logger)
	}
	validator := w.validator.ForSource(src.Config.KnownCommodities, src.Config.KnownLocations)

	for _, doc := range src.Config.Documents {
		if ctx.Err() != nil {
			run.cancelled = true
			break
		}
		w.document(ctx, run, doc, extractor, validator, logger)
	}
	return w.finish(ctx, run, logger)
}

func (w *Worker) document(
	ctx context.Context,
	run *sourceRun,
	doc config.DocumentConfig,
	extractor pipeline.Extractor,
	validator *validate.Validator,
	logger *zap.Logger,
) {
	logger = logger.With(zap.String("url", doc.URL))
	payload, err := w.fetcher.Fetch(ctx, run.src.ID, requestSpec(run.src.Config, doc))
	w.emitFetch(run, doc.URL, payload, err)
	if err != nil {
		if errors.Is(err, pipeline.ErrCancelled) || ctx.Err() != nil {
			run.cancelled = true
			return
		}
		logger.Warn("document fetch failed", zap.Error(err))
		run.fail(err)
		return
	}

	records, err := extractor.Extract(payload)
	if err != nil {
		logger.Warn("document extraction failed", zap.Error(err))
		run.fail(err)
		return
	}
	counts := pipeline.Counts{Fetched: len(records)}

	results := validator.Validate(records)
	invalid := 0
	for _, res := range results {
		metrics.ObserveValidationScore(run.src.ID, res.Score)
		if res.IsValid {
			counts.Validated++
			continue
		}
		invalid++
		run.report.Rejected = append(run.report.Rejected, res)
	}

	summary, err := w.store.Ingest(ctx, results)
	if err != nil {
		counts.Rejected = invalid
		run.report.Counts.Add(counts)
		if ctx.Err() != nil {
			run.cancelled = true
			return
		}
		logger.Error("ingest failed", zap.Error(err))
		run.fail(err)
		return
	}
	counts.Accepted = summary.Accepted
	counts.Duplicate = summary.Duplicate
	counts.Rejected = summary.Rejected
	run.report.Counts.Add(counts)

	metrics.ObserveRecords(run.src.ID, "accepted", summary.Accepted)
	metrics.ObserveRecords(run.src.ID, "duplicate", summary.Duplicate)
	metrics.ObserveRecords(run.src.ID, "rejected", summary.Rejected)
	logger.Info("document ingested",
		zap.Int("extracted", len(records)),
		zap.Int("accepted", summary.Accepted),
		zap.Int("duplicate", summary.Duplicate),
		zap.Int("rejected", summary.Rejected),
		zap.Int("attempts", payload.Attempts),
	)
}

func (w *Worker) finish(ctx context.Context, run *sourceRun, logger *zap.Logger) pipeline.SourceReport {
	status := &run.report.Status
	counts := &run.report.Counts
	status.RecordsIngested = counts.Ingested()

	if counts.Fetched > 0 && w.cfg.PartialRejectRatio < 1 {
		ratio := float64(counts.Rejected) / float64(counts.Fetched)
		if ratio > w.cfg.PartialRejectRatio {
			run.fail(fmt.Errorf("%w: %d of %d records rejected", pipeline.ErrValidationRejected, counts.Rejected, counts.Fetched))
		}
	}

	switch {
	case run.cancelled || ctx.Err() != nil:
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		run.fail(fmt.Errorf("%w: %w", pipeline.ErrCancelled, cause))
		status.State = pipeline.SourceFailed
	case status.RecordsIngested == 0:
		if len(status.Errors) == 0 {
			if counts.Fetched == 0 {
				run.fail(errors.New("no records extracted"))
			} else {
				run.fail(errors.New("no records ingested"))
			}
		}
		status.State = pipeline.SourceFailed
	case len(status.Errors) > 0:
		status.State = pipeline.SourcePartialFailure
	default:
		status.State = pipeline.SourceSucceeded
	}
	counts.Errors = len(status.Errors)
	status.FinishedAt = w.clock.Now()

	fields := []zap.Field{
		zap.String("state", string(status.State)),
		zap.Int("ingested", status.RecordsIngested),
		zap.Int("rejected", counts.Rejected),
		zap.Strings("errors", status.Errors),
	}
	if status.State == pipeline.SourceSucceeded {
		logger.Info("source finished", fields...)
	} else {
		logger.Warn("source finished", fields...)
	}
	return run.report
}

func (w *Worker) emitFetch(run *sourceRun, url string, payload pipeline.RawPayload, err error) {
	evt := progress.Event{
		RunID:  run.runID,
		TS:     w.clock.Now(),
		Stage:  progress.StageFetchDone,
		Source: run.src.ID,
		URL:    url,
	}
	if err != nil {
		evt.StatusClass = progress.StatusOther
		var statusErr *fetcher.StatusError
		if errors.As(err, &statusErr) {
			evt.StatusClass = progress.ClassifyStatus(statusErr.Code)
		}
		evt.Note = err.Error()
	} else {
		evt.StatusClass = progress.ClassifyStatus(payload.StatusCode)
		evt.Bytes = int64(len(payload.Body))
		evt.Dur = payload.Duration
	}
	w.emitter.Emit(evt)
}

func requestSpec(src config.SourceConfig, doc config.DocumentConfig) pipeline.RequestSpec {
	var headers http.Header
	if len(doc.Headers) > 0 {
		headers = make(http.Header, len(doc.Headers))
		for k, v := range doc.Headers {
			headers.Set(k, v)
		}
	}
	return pipeline.RequestSpec{
		URL:     doc.URL,
		Timeout: src.RatePolicy.Timeout(),
		Headers: headers,
		Render:  doc.Render,
		Policy:  src.RatePolicy.Policy(),
	}
}
