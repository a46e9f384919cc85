// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/refresh to queue a burst refresh of one or more stores.
//   - GET /v1/refresh and /v1/refresh/{run_id} for run status and progress
//     via the catalog.RunStore registry.
package api
