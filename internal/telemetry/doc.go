// Package telemetry holds the ambient logging and metrics wiring shared by
// every long-running component: structured slog setup driven by
// LOG_LEVEL/LOG_FORMAT, context-carried loggers, and the Prometheus series
// the worker and reply router publish to.
package telemetry
