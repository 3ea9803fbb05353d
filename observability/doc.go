// Package observability provides an OpenTelemetry-based metrics extension
// for the queue. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for enqueue, completion, failure, retry,
// dead-letter, cancel, and schedule-fire events.
//
// For per-execution tracing and latency histograms, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
