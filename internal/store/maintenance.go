package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"discburner/internal/fileutil"
	"discburner/internal/queue"
)

const backupInfix = ".backup_"

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM burn_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[queue.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[queue.Status(status)] = count
	}
	return stats, rows.Err()
}

// GetStorageStats aggregates job counts, database size and backup state.
func (s *Store) GetStorageStats(ctx context.Context) (StorageStats, error) {
	byStatus, err := s.Stats(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	stats := StorageStats{ByStatus: byStatus}
	for status, count := range byStatus {
		stats.TotalJobs += count
		switch status {
		case queue.StatusPending:
			stats.PendingJobs = count
		case queue.StatusCompleted:
			stats.CompletedJobs = count
		case queue.StatusFailed:
			stats.FailedJobs = count
		}
	}
	if info, err := os.Stat(s.path); err == nil {
		stats.DatabaseBytes = info.Size()
		stats.DatabaseSizeMB = math.Round(float64(info.Size())/(1024*1024)*100) / 100
	}
	backups, err := s.listBackups()
	if err != nil {
		return stats, err
	}
	stats.Backups = len(backups)
	if len(backups) > 0 {
		stats.LastBackup = backups[0].modTime
	}
	return stats, nil
}

// BackupDatabase checkpoints the write-ahead log and copies the database to
// <db>.backup_<timestamp>. It returns the backup path.
func (s *Store) BackupDatabase(ctx context.Context) (string, error) {
	if err := s.execWithoutResultRetry(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("checkpoint database: %w", err)
	}
	target := s.path + backupInfix + s.now().Format("20060102_150405")
	if err := fileutil.CopyFile(s.path, target); err != nil {
		_, _ = fileutil.RemoveIfExists(target)
		return "", fmt.Errorf("copy database: %w", err)
	}
	return target, nil
}

// CleanupOldBackups keeps the newest keep backups and deletes the rest.
func (s *Store) CleanupOldBackups(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := s.listBackups()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for i, backup := range backups {
		if i < keep {
			continue
		}
		if err := os.Remove(backup.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove backup %s: %w", backup.path, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

type backupFile struct {
	path    string
	modTime time.Time
}

// listBackups returns backups newest first.
func (s *Store) listBackups() ([]backupFile, error) {
	dir := filepath.Dir(s.path)
	prefix := filepath.Base(s.path) + backupInfix
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var backups []backupFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	slices.SortFunc(backups, func(a, b backupFile) int { return b.modTime.Compare(a.modTime) })
	return backups, nil
}

var expectedColumns = []string{
	"id",
	"source_id",
	"filename",
	"file_size",
	"download_url",
	"checksum",
	"patient_name",
	"patient_id",
	"patient_birth_date",
	"study_date_time",
	"study_description",
	"extra_json",
	"status",
	"image_path",
	"control_file_path",
	"progress",
	"error_message",
	"retry_count",
	"disc_class",
	"notification_sent",
	"created_at",
	"updated_at",
}

// CheckHealth returns diagnostic information about the job database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	if s.path == "" {
		return health, errors.New("job database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			health.DatabaseExists = false
			return health, nil
		}
		return health, fmt.Errorf("stat job database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("job database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("job database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping job database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil && !errors.Is(err, sql.ErrNoRows) {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	var tableName string
	row := s.db.QueryRowContext(connCtx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'burn_jobs'")
	if err := row.Scan(&tableName); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			health.Error = err.Error()
			return health, fmt.Errorf("query table info: %w", err)
		}
	} else {
		health.TableExists = true
	}

	if health.TableExists {
		columns, err := s.tableColumns(connCtx)
		if err != nil {
			health.Error = err.Error()
			return health, err
		}
		health.ColumnsPresent = columns
		for _, col := range expectedColumns {
			if !slices.Contains(columns, col) {
				health.MissingColumns = append(health.MissingColumns, col)
			}
		}

		row = s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM burn_jobs")
		if err := row.Scan(&health.TotalJobs); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count jobs: %w", err)
		}
	}

	var integrityResult string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")

	return health, nil
}

func (s *Store) tableColumns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(burn_jobs)")
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typeStr string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typeStr, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info: %w", err)
	}
	return columns, nil
}
