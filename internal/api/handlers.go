package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/export"
	"github.com/JakeFAU/cropcost-pipeline/internal/orchestrator"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
	defaultRunLimit    = 50
	maxRunLimit        = 500
	maxValidateBatch   = 1000
	maxBodyBytes       = 4 << 20
	maxExportRows      = 1_000_000
)

// listProcessed handles GET /v1/records. Query parameters commodity, location,
// year, source, version, min_score, limit and offset narrow the listing.
func (s *Server) listProcessed(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	records, err := s.opts.Store.ListProcessed(ctx, f)
	if err != nil {
		s.storeError(w, "list processed records", err)
		return
	}
	if records == nil {
		records = []pipeline.ProcessedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// listRaw handles GET /v1/raw with the same filters as /v1/records.
func (s *Server) listRaw(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	records, err := s.opts.Store.ListRaw(ctx, f)
	if err != nil {
		s.storeError(w, "list raw records", err)
		return
	}
	if records == nil {
		records = []pipeline.RawRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "content_hash")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	rec, err := s.opts.Store.GetRaw(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.storeError(w, "get raw record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	sum, err := s.opts.Store.Summary(ctx)
	if err != nil {
		s.storeError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// distinct handles GET /v1/values/{field}.
func (s *Server) distinct(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")
	if !store.ValidField(field) {
		writeError(w, http.StatusBadRequest, "unknown field; expected one of "+strings.Join(store.DistinctFields, ", "))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	values, err := s.opts.Store.Distinct(ctx, field)
	if err != nil {
		s.storeError(w, "distinct values", err)
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"field": field, "values": values})
}

// listRuns handles GET /v1/runs?limit=, newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	runs, err := s.opts.Store.ListRuns(ctx, limit)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []pipeline.SourceRunStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type startRunRequest struct {
	Sources []string `json:"sources"`
}

// startRun handles POST /v1/runs. The body is optional; an empty source list
// runs every enabled source. The run continues after the response.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline runner not configured")
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	runID, err := s.opts.Runner.Start(s.baseCtx, req.Sources)
	switch {
	case err == nil:
		s.logger.Info("pipeline run triggered", zap.String("run_id", runID), zap.Strings("sources", req.Sources))
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	case errors.Is(err, orchestrator.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrUnknownSource), errors.Is(err, pipeline.ErrConfigInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.storeError(w, "start run", err)
	}
}

// status handles GET /v1/status with the latest run snapshot.
func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline runner not configured")
		return
	}
	snap, ok := s.opts.Runner.Status()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has started")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.opts.Runner.Running(), "run": snap})
}

type validateRequest struct {
	Records []pipeline.CandidateRecord `json:"records"`
}

// validate handles POST /v1/validate: a dry run of the quality validator that
// writes nothing.
func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Validator == nil {
		writeError(w, http.StatusServiceUnavailable, "validator not configured")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch {
	case len(req.Records) == 0:
		writeError(w, http.StatusBadRequest, "records required")
		return
	case len(req.Records) > maxValidateBatch:
		writeError(w, http.StatusBadRequest, "too many records; limit is "+strconv.Itoa(maxValidateBatch))
		return
	}
	results := s.opts.Validator.Validate(req.Records)
	valid := 0
	for _, res := range results {
		if res.IsValid {
			valid++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"valid":   valid,
		"invalid": len(results) - valid,
	})
}

// exportRecords handles GET /v1/export?format=&table= with the /v1/records
// filters. The store is paged through; limits default to the export ceiling
// rather than a single page.
func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	table, err := export.ParseTable(r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = maxExportRows
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	var buf bytes.Buffer
	switch table {
	case export.Raw:
		var records []pipeline.RawRecord
		if records, err = store.CollectRaw(ctx, s.opts.Store, f); err == nil {
			err = export.WriteRaw(&buf, format, records)
		}
	default:
		var records []pipeline.ProcessedRecord
		if records, err = store.CollectProcessed(ctx, s.opts.Store, f); err == nil {
			err = export.WriteProcessed(&buf, format, records)
		}
	}
	if err != nil {
		s.storeError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="cropcost_`+string(table)+format.Extension()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, pipeline.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn(op+" failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		return store.Filter{}, err
	}
	f := store.Filter{
		Commodity: strings.TrimSpace(q.Get("commodity")),
		Location:  strings.TrimSpace(q.Get("location")),
		Year:      strings.TrimSpace(q.Get("year")),
		Source:    strings.TrimSpace(q.Get("source")),
		Version:   strings.TrimSpace(q.Get("version")),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := q.Get("min_score"); raw != "" {
		score, err := strconv.Atoi(raw)
		if err != nil || score < 0 || score > 100 {
			return store.Filter{}, errors.New("invalid min_score")
		}
		f.MinScore = score
	}
	return f, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
