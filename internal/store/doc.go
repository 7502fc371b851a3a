// Package store persists burn jobs in a SQLite database (modernc.org/sqlite).
//
// The daemon restores jobs from the burn_jobs table at startup and keeps the
// table current through a queue subscriber; the queue itself never touches
// the database. Maintenance helpers cover retention pruning, file backups,
// storage statistics and health diagnostics used by the CLI.
package store
