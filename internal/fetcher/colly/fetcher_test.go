package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "cropcost-test", RespectRobots: false, Timeout: time.Second})
	collector := f.buildCollector(fetcher.Request{URL: "https://example.com"}, &fetcher.Response{}, new(error))
	require.Equal(t, "cropcost-test", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt)
	require.True(t, collector.ParseHTTPErrorResponse)
	require.True(t, collector.AllowURLRevisit)

	polite := New(Config{RespectRobots: true})
	collector = polite.buildCollector(fetcher.Request{URL: "https://example.com"}, &fetcher.Response{}, new(error))
	require.False(t, collector.IgnoreRobotsTxt)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := fetcher.Request{
		URL:     "https://example.com/budget.xlsx",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result fetcher.Response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"application/vnd.ms-excel"}},
		Request:    &colly.Request{URL: mustParseURL(t, req.URL)},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "application/vnd.ms-excel", result.ContentType)
	require.Equal(t, req.URL, result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(nil, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func TestFetcherDoAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/budget.csv":
			require.Equal(t, "yes", r.Header.Get("X-Trace"))
			w.Header().Set("Content-Type", "text/csv")
			_, _ = w.Write([]byte("Item,2023\nSeed,110\n"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "cropcost-test"})
	resp, err := f.Do(context.Background(), fetcher.Request{
		URL:     srv.URL + "/budget.csv",
		Headers: http.Header{"X-Trace": {"yes"}},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.ContentType)
	require.Equal(t, "Item,2023\nSeed,110\n", string(resp.Body))

	// Error statuses come back as responses for the executor to classify.
	resp, err = f.Do(context.Background(), fetcher.Request{URL: srv.URL + "/down", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Repeat visits to the same URL are allowed.
	_, err = f.Do(context.Background(), fetcher.Request{URL: srv.URL + "/budget.csv", Headers: http.Header{"X-Trace": {"yes"}}})
	require.NoError(t, err)
}

func TestFetcherDoHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Do(ctx, fetcher.Request{URL: srv.URL, Timeout: 5 * time.Second})
	require.ErrorIs(t, err, context.Canceled)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
