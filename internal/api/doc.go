// Package api hosts the HTTP server, middleware, and REST handlers for the job
// queue. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/submissions to offer new work.
//   - /v1/items/... for worker claims and write-backs and operator retries and
//     deletes.
//   - GET /v1/items/stream for a Server-Sent Events live view of the queue.
//   - /v1/config/... for the stop list, queue settings, and AI settings.
package api
