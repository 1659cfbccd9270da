// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sites/{site}/match and /v1/sites/{site}/snapshots to trigger passes.
//   - POST /v1/sites/{site}/snapshots/filtered to refresh the items of a filtered view.
//   - GET /v1/sites/{site}/matches?item_id= to look up stored matches.
//   - GET /v1/compare and /v1/history for the read-only comparison views.
package api
