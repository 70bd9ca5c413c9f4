// Package api hosts the admin HTTP server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/authors/{author} for sync and cache state.
//   - POST /v1/authors/{author}/download to start a mirror run, polled via
//     GET /v1/runs/{run_id}.
//   - POST /v1/authors/{author}/reset-sync, /v1/cache/clear and
//     /v1/cache/purge for maintenance.
package api
