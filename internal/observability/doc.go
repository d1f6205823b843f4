// Package observability builds the process logger, the Prometheus registry
// served on /metrics and the OpenTelemetry tracer provider used by the guard
// service.
package observability
