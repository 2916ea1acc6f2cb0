// Package api hosts the HTTP server, middleware, and REST handlers for
// dashboard consumers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs/... for starting, reading and commanding tracked jobs.
//   - POST /v1/environment for reporting connectivity and visibility.
//   - GET /v1/history for run history via the RunRepository interface.
package api
