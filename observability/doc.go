// Package observability counts job, workflow, outcome and cron events on an
// OpenTelemetry meter. Register a MetricsExtension with the engine's
// extension registry; per-execution spans and histograms live in the
// middleware package.
package observability
