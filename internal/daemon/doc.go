// Package daemon coordinates the long-running discburner process.
//
// A Daemon holds the flock-based single-instance lock, starts and stops the
// scheduler and serves the HTTP API used by the CLI: worker status, job
// listing, manual add/cancel/retry, immediate catalog checks, pause/resume
// and the Prometheus /metrics endpoint. Requests are authenticated with a
// bearer token when paths.api_token is set.
//
// Keep orchestration logic here: stage handlers live in the queue package
// and periodic work in the scheduler, while the daemon focuses on startup,
// shutdown and the operator surface.
package daemon
