// Package api hosts the HTTP server, middleware, and REST handlers that front
// the clipper. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/messages to deliver a runtime message (CLIP_TAB,
//     BULK_CLIP_TABS, CONTENT_EXTRACTED, ...) and receive the handler's reply.
//   - GET /v1/events for a server-sent stream of status broadcasts.
//   - GET/DELETE /v1/history and DELETE /v1/history/{ts} for capture history.
package api
