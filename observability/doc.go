// Package observability records system-wide job lifecycle counters through
// OpenTelemetry. [MetricsExtension] implements the ext hooks; register it on
// the engine's extension registry.
//
// For per-execution spans and durations, see middleware.Tracing and
// middleware.Metrics.
package observability
