package store

import (
	"time"

	"discburner/internal/queue"
)

// DatabaseHealth reports diagnostic information about the job database.
type DatabaseHealth struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    int      `json:"schema_version"`
	TableExists      bool     `json:"table_exists"`
	ColumnsPresent   []string `json:"columns_present,omitempty"`
	MissingColumns   []string `json:"missing_columns,omitempty"`
	IntegrityCheck   bool     `json:"integrity_check"`
	TotalJobs        int      `json:"total_jobs"`
	Error            string   `json:"error,omitempty"`
}

// StorageStats summarises persisted jobs and database files.
type StorageStats struct {
	TotalJobs      int                  `json:"total_jobs"`
	ByStatus       map[queue.Status]int `json:"by_status"`
	PendingJobs    int                  `json:"pending_jobs"`
	CompletedJobs  int                  `json:"completed_jobs"`
	FailedJobs     int                  `json:"failed_jobs"`
	DatabaseBytes  int64                `json:"database_bytes"`
	DatabaseSizeMB float64              `json:"database_size_mb"`
	Backups        int                  `json:"backups"`
	LastBackup     time.Time            `json:"last_backup,omitzero"`
}
