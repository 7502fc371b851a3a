// Package api defines the wire-format types of the daemon HTTP API and the
// client the CLI uses to call it.
//
// # Key Types
//
// JobView: transport representation of a burn job, flattened from queue.Job
// with the disc class, media type and study details the CLI renders.
//
// WorkerStatus: scheduler state, queue counts, storage and download
// statistics and the periodic task table.
//
// DaemonStatus: WorkerStatus plus process details (pid, database and lock
// paths).
//
// # Converters
//
// FromJob: queue.Job -> JobView.
//
// FromWorkerStatus: scheduler.WorkerStatus -> WorkerStatus.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses are exposed as their lowercase
// string values and timestamps use RFC3339 with milliseconds. Errors are
// returned as {"error": "..."} with a non-2xx status code; the Client turns
// them into *Error values.
package api
