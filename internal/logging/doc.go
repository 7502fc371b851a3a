// Package logging assembles structured slog loggers and formatting helpers used
// across discburner services.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so stage code can tag log lines with job IDs,
// stages, and correlation IDs. The package also provides a no-op logger for
// tests, a progress sampler for chatty download callbacks, and log retention.
package logging
