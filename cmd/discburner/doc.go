// Package main hosts the discburner CLI.
//
// The Cobra command tree talks to the running daemon over its HTTP API
// (status, job listing, manual add/cancel/retry, catalog checks and
// pause/resume) and runs local utilities that need no daemon: preflight
// checks, configuration scaffolding and the foreground daemon itself.
//
// Keep this package lean: behaviour belongs in the internal packages and is
// only surfaced here.
package main
