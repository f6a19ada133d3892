// Package sinks implements concrete broadcast consumers: structured logging,
// Prometheus, Pub/Sub publishing and the in-process fan-out behind the
// server-sent event stream. Each satisfies progress.Sink.
package sinks
