package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/orchestrator"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/standardize"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/memory"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
	"github.com/JakeFAU/cropcost-pipeline/internal/validate"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeRunner struct {
	mu       sync.Mutex
	err      error
	started  [][]string
	snapshot *pipeline.RunSnapshot
	running  bool
}

func (f *fakeRunner) Start(_ context.Context, ids []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, ids)
	return "run-42", nil
}

func (f *fakeRunner) Status() (pipeline.RunSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return pipeline.RunSnapshot{}, false
	}
	return *f.snapshot, true
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func testValidator() *validate.Validator {
	return validate.New(validate.Config{
		MinYear:          1975,
		MaxYear:          2030,
		Units:            config.DefaultUnits,
		KnownCommodities: config.DefaultCommodities,
		KnownLocations:   config.DefaultLocations,
		KnownSources:     config.DefaultSources,
	})
}

func candidate(item, value, location string) pipeline.CandidateRecord {
	return pipeline.CandidateRecord{
		Item: item, Value: value, Unit: "$/acre", Commodity: "Corn",
		Location: location, Year: "2023", Source: "ISU",
	}
}

// seededStore ingests three valid records and standardizes them.
func seededStore(t *testing.T) *memory.RecordStore {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewRecordStore(fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)})
	results := testValidator().Validate([]pipeline.CandidateRecord{
		candidate("Fertilizer", "150", "Iowa"),
		candidate("Seed", "110", "Iowa"),
		candidate("Fertilizer", "140", "Illinois"),
	})
	summary, err := repo.Ingest(ctx, results)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Accepted)
	_, err = repo.Standardize(ctx, standardize.FromConfig(config.StandardizeConfig{VersionLabel: "v1"}))
	require.NoError(t, err)
	return repo
}

func newTestServer(t *testing.T, runner Runner, mutate func(*Options)) (*Server, *memory.RecordStore) {
	t.Helper()
	repo := seededStore(t)
	opts := Options{
		Store:     repo,
		Runner:    runner,
		Validator: testValidator(),
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts), repo
}

func do(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s, repo := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", nil).Code)

	repo.SetUnavailable(errors.New("connection refused"))
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	do(t, s, http.MethodGet, "/healthz", nil)
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListProcessedFilters(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/v1/records?location=iowa", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])

	rec = do(t, s, http.MethodGet, "/v1/records?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	for _, target := range []string{"/v1/records?limit=-1", "/v1/records?offset=x", "/v1/records?min_score=101"} {
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, target, nil).Code, target)
	}
}

func TestListAndGetRaw(t *testing.T) {
	t.Parallel()

	s, repo := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/v1/raw?source=isu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	raw, err := repo.ListRaw(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	rec = do(t, s, http.MethodGet, "/v1/raw/"+raw[0].ContentHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), raw[0].ContentHash)

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/raw/deadbeef", nil).Code)
}

func TestSummaryAndDistinct(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/v1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["raw_records"])
	assert.EqualValues(t, 3, body["processed_records"])

	rec = do(t, s, http.MethodGet, "/v1/values/location", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, []any{"Illinois", "Iowa"}, body["values"])

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/values/content_hash", nil).Code)
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	t.Parallel()

	s, repo := newTestServer(t, nil, nil)
	repo.SetUnavailable(errors.New("disk full"))
	for _, target := range []string{"/v1/records", "/v1/raw", "/v1/summary", "/v1/values/year", "/v1/runs"} {
		assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, target, nil).Code, target)
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, repo := newTestServer(t, nil, nil)
	for _, src := range []string{"isu", "usda"} {
		require.NoError(t, repo.RecordRun(context.Background(), pipeline.SourceRunStatus{
			RunID: "run-1", Source: src, State: pipeline.SourceSucceeded, RecordsIngested: 3,
		}))
	}
	rec := do(t, s, http.MethodGet, "/v1/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs, ok := decode(t, rec)["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
	assert.Equal(t, "usda", runs[0].(map[string]any)["source"])
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s, _ := newTestServer(t, runner, nil)

	rec := do(t, s, http.MethodPost, "/v1/runs", []byte(`{"sources":["isu"]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-42", decode(t, rec)["run_id"])

	rec = do(t, s, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, runner.started, 2)
	assert.Equal(t, []string{"isu"}, runner.started[0])
	assert.Empty(t, runner.started[1])

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/runs", []byte(`{`)).Code)
}

func TestStartRunErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		want int
	}{
		"in progress":   {orchestrator.ErrRunInProgress, http.StatusConflict},
		"unknown":       {fmt.Errorf("%w: %q", pipeline.ErrUnknownSource, "kansas"), http.StatusBadRequest},
		"config":        {pipeline.ConfigInvalid("no enabled sources configured"), http.StatusBadRequest},
		"store down":    {pipeline.StoreUnavailable("ping", errors.New("refused")), http.StatusServiceUnavailable},
		"unexpected id": {errors.New("generate run id: entropy"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, &fakeRunner{err: tc.err}, nil)
			assert.Equal(t, tc.want, do(t, s, http.MethodPost, "/v1/runs", nil).Code)
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s, _ := newTestServer(t, runner, nil)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/status", nil).Code)

	runner.snapshot = &pipeline.RunSnapshot{
		RunID: "run-42",
		State: pipeline.RunRunning,
		Sources: []pipeline.SourceRunStatus{
			{RunID: "run-42", Source: "isu", State: pipeline.SourceRunning},
		},
	}
	runner.running = true
	rec := do(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "running", body["run"].(map[string]any)["state"])

	noRunner, _ := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, noRunner, http.MethodGet, "/v1/status", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, noRunner, http.MethodPost, "/v1/runs", nil).Code)
}

func TestValidateDryRun(t *testing.T) {
	t.Parallel()

	s, repo := newTestServer(t, nil, nil)
	payload, err := json.Marshal(validateRequest{Records: []pipeline.CandidateRecord{
		candidate("Fertilizer", "155", "Iowa"),
		candidate("Fertilizer", "-5", "Iowa"),
	}})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/v1/validate", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["valid"])
	assert.EqualValues(t, 1, body["invalid"])

	raw, err := repo.ListRaw(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, raw, 3, "validation writes nothing")

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/validate", []byte(`{"records":[]}`)).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/validate", []byte(`nope`)).Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, func(o *Options) {
		o.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code, "probes stay open")
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/summary", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/summary", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/summary?api_key=secret", nil).Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	require.NotNil(t, buf)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func TestExport(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/v1/export?format=csv&location=illinois", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "cropcost_processed.csv")
	lines := bytes.Split(bytes.TrimSpace(rec.Body.Bytes()), []byte("\n"))
	assert.Len(t, lines, 2)

	rec = do(t, s, http.MethodGet, "/v1/export?table=raw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/export?format=pdf", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/export?table=runs", nil).Code)
}
