// Package api hosts the HTTP server, middleware and read-mostly REST handlers
// over the cost dataset. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records, /v1/raw, /v1/summary, /v1/values/{field}, /v1/runs.
//   - POST /v1/runs to trigger a run, GET /v1/status to follow it.
//   - POST /v1/validate to dry-run the quality validator.
//   - GET /v1/export for xlsx, csv or json downloads.
package api
