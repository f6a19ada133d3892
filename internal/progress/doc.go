// Package progress carries the broadcasts the orchestrator emits while it
// works: bulk item updates, bulk completion, per-capture results, sync
// summaries and user notifications. A non-blocking Hub batches events on a
// background goroutine and fans them out to pluggable sinks such as
// structured logs, Prometheus, Pub/Sub and the server-sent event stream.
package progress
