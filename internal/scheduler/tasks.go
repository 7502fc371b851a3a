package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"discburner/internal/logging"
	"discburner/internal/metrics"
	"discburner/internal/notifications"
	"discburner/internal/queue"
	"discburner/internal/staging"
)

// Task names.
const (
	TaskCatalogPoll     = "catalog_poll"
	TaskJobCleanup      = "job_cleanup"
	TaskDownloadCleanup = "download_cleanup"
	TaskDBMaintenance   = "db_maintenance"
	TaskAutoRetry       = "auto_retry"
	TaskWorkspace       = "workspace_cleanup"
)

type task struct {
	name     string
	interval time.Duration
	// pausable tasks are skipped while the scheduler is paused.
	pausable bool
	run      func(context.Context) error

	next    time.Time
	lastRun time.Time
	lastErr string
}

func (s *Scheduler) buildTasks(now time.Time) []*task {
	var tasks []*task
	if s.catalog != nil {
		tasks = append(tasks, &task{
			name:     TaskCatalogPoll,
			interval: s.cfg.CheckInterval,
			pausable: true,
			run: func(ctx context.Context) error {
				_, err := s.pollCatalog(ctx)
				return err
			},
			next: now,
		})
	}
	tasks = append(tasks, &task{
		name:     TaskJobCleanup,
		interval: s.cfg.JobCleanupInterval,
		run:      s.cleanupJobs,
		next:     now.Add(s.cfg.JobCleanupInterval),
	})
	if s.downloads != nil {
		tasks = append(tasks, &task{
			name:     TaskDownloadCleanup,
			interval: s.cfg.DownloadCleanupInterval,
			run:      s.cleanupDownloads,
			next:     now.Add(s.cfg.DownloadCleanupInterval),
		})
	}
	if s.cfg.TempDir != "" || s.cfg.ControlDir != "" {
		tasks = append(tasks, &task{
			name:     TaskWorkspace,
			interval: s.cfg.DownloadCleanupInterval,
			run:      s.cleanupWorkspace,
			next:     now.Add(s.cfg.DownloadCleanupInterval),
		})
	}
	tasks = append(tasks, &task{
		name:     TaskDBMaintenance,
		interval: s.cfg.MaintenanceInterval,
		run:      s.maintainDatabase,
		next:     now.Add(s.cfg.MaintenanceInterval),
	})
	if s.cfg.RetryFailed && s.cfg.MaxRetries > 0 {
		tasks = append(tasks, &task{
			name:     TaskAutoRetry,
			interval: s.cfg.CheckInterval,
			pausable: true,
			run:      s.retryFailed,
			next:     now.Add(s.cfg.CheckInterval),
		})
	}
	return tasks
}

func (s *Scheduler) runDueTasks(ctx context.Context, paused bool) {
	now := s.now()
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if now.Before(t.next) || (paused && t.pausable) {
			continue
		}
		t.next = now.Add(t.interval)
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		err := s.runTask(ctx, t.name, t.run)
		s.mu.Lock()
		t.lastRun = now
		t.lastErr = ""
		if err != nil {
			t.lastErr = err.Error()
		}
		s.mu.Unlock()
	}
}

// runTask executes fn with panic recovery, logging and metrics.
func (s *Scheduler) runTask(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	logger := s.logger.With(logging.Task(name))
	started := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			err = fmt.Errorf("task %s panicked: %v", name, r)
			logging.ErrorWithContext(logger, "periodic task panicked", "task_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "report the stack trace"),
				logging.String(logging.FieldImpact, "the task runs again on its next interval"),
			)
		}
		metrics.ObserveTask(name, result, time.Since(started))
	}()

	if err = fn(ctx); err != nil {
		result = "error"
		if ctx.Err() != nil {
			logger.Debug("periodic task interrupted by shutdown", logging.Error(err))
			return err
		}
		logging.WarnWithContext(logger, "periodic task failed", "task_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, taskHint(name)),
			logging.String(logging.FieldImpact, "the task runs again on its next interval"),
		)
		if name == TaskCatalogPoll {
			s.publish(ctx, notifications.EventError, notifications.Payload{"context": "catalog poll", "error": err})
		}
	}
	return err
}

func taskHint(name string) string {
	switch name {
	case TaskCatalogPoll:
		return "check catalog endpoint, api key and burner id"
	case TaskDBMaintenance, TaskJobCleanup:
		return "check database path permissions and free space"
	case TaskDownloadCleanup:
		return "check downloads folder permissions"
	case TaskWorkspace:
		return "check temp and control folder permissions"
	default:
		return "check logs for details"
	}
}

// pollCatalog adds a job for every catalog item not already tracked and
// returns how many were added. LastCheck only advances after a successful
// round-trip.
func (s *Scheduler) pollCatalog(ctx context.Context) (int, error) {
	if s.catalog == nil {
		return 0, nil
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	var since *time.Time
	s.mu.Lock()
	if !s.lastCheck.IsZero() {
		last := s.lastCheck
		since = &last
	}
	s.mu.Unlock()

	items, err := s.catalog.QueryNewItems(ctx, since)
	if err != nil {
		return 0, err
	}
	checked := s.now()

	added, duplicates := 0, 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, exists := s.queue.FindBySourceID(item.ID); exists {
			duplicates++
			continue
		}
		id := s.queue.AddJob(item)
		added++
		s.logger.Info("catalog item queued",
			logging.JobID(id),
			logging.SourceID(item.ID),
			logging.String(logging.FieldEventType, "job_added"),
		)
		if job, ok := s.queue.GetJob(id); ok {
			if err := s.store.SaveJob(ctx, job); err != nil {
				logging.WarnWithContext(s.logger, "new job not persisted", "job_persist_failed",
					logging.JobID(id),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check database path permissions"),
					logging.String(logging.FieldImpact, "the job is lost if the daemon restarts"),
				)
			}
		}
	}

	s.mu.Lock()
	s.lastCheck = checked
	s.mu.Unlock()

	metrics.AddCatalogItems("added", added)
	metrics.AddCatalogItems("duplicate", duplicates)
	if added > 0 {
		s.logger.Info("catalog poll queued new jobs", logging.Int("added", added), logging.Int("duplicates", duplicates))
		s.publish(ctx, notifications.EventJobsDiscovered, notifications.Payload{"count": added})
	} else {
		s.logger.Debug("catalog poll found nothing new", logging.Int("items", len(items)))
	}
	return added, nil
}

func (s *Scheduler) cleanupJobs(ctx context.Context) error {
	deleted, err := s.store.CleanupOldJobs(ctx, s.cfg.RetentionDays)
	removed := s.queue.CleanupCompleted(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("cleanup persisted jobs: %w", err)
	}
	if deleted > 0 || removed > 0 {
		s.logger.Info("old jobs cleaned up",
			logging.Int64("deleted", deleted),
			logging.Int("forgotten", removed),
			logging.Int("retention_days", s.cfg.RetentionDays),
		)
	}
	return nil
}

func (s *Scheduler) cleanupDownloads(context.Context) error {
	pruned := s.downloads.PruneHistory(s.cfg.DownloadMaxAge)

	referenced := make(map[string]bool)
	for _, job := range s.queue.GetAllJobs() {
		if job.ImagePath != "" {
			referenced[filepath.Clean(job.ImagePath)] = true
		}
	}
	removed, err := s.downloads.RemoveOrphans(referenced, s.cfg.DownloadMaxAge)
	if pruned > 0 || removed > 0 {
		s.logger.Info("download cache cleaned up",
			logging.Int("history_pruned", pruned),
			logging.Int("orphans_removed", removed),
		)
	}
	return err
}

func (s *Scheduler) cleanupWorkspace(ctx context.Context) error {
	temp := staging.CleanStale(ctx, s.cfg.TempDir, s.cfg.DownloadMaxAge, s.logger)

	active := make(map[string]struct{})
	for _, job := range s.queue.GetAllJobs() {
		active[job.ID] = struct{}{}
	}
	control := staging.CleanOrphanedControlFiles(ctx, s.cfg.ControlDir, active, time.Hour, s.logger)

	if removed := len(temp.Removed) + len(control.Removed); removed > 0 {
		s.logger.Info("workspace cleaned up",
			logging.Int("temp_removed", len(temp.Removed)),
			logging.Int("control_removed", len(control.Removed)),
		)
	}
	if failures := append(temp.Errors, control.Errors...); len(failures) > 0 {
		return fmt.Errorf("workspace cleanup: %d path(s) not removed, first %s: %w", len(failures), failures[0].Path, failures[0].Error)
	}
	return nil
}

func (s *Scheduler) maintainDatabase(ctx context.Context) error {
	backup, err := s.store.BackupDatabase(ctx)
	metrics.ObserveBackup(err == nil)
	if err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	s.logger.Info("database backup created", logging.String("path", backup))

	pruned, err := s.store.CleanupOldBackups(s.cfg.BackupCount)
	if err != nil {
		return fmt.Errorf("prune backups: %w", err)
	}
	if pruned > 0 {
		s.logger.Info("old backups removed", logging.Int("removed", pruned), logging.Int("keep", s.cfg.BackupCount))
	}

	if stats, err := s.store.GetStorageStats(ctx); err == nil {
		s.logger.Info("storage stats",
			logging.Int("total_jobs", stats.TotalJobs),
			logging.Int("pending_jobs", stats.PendingJobs),
			logging.Int("completed_jobs", stats.CompletedJobs),
			logging.Int("failed_jobs", stats.FailedJobs),
			logging.Float64("database_size_mb", stats.DatabaseSizeMB),
			logging.Int("backups", stats.Backups),
		)
	}

	if s.cfg.LogDir != "" && s.cfg.LogRetentionDays > 0 {
		logging.PruneRunLogs(s.logger, s.cfg.LogDir, s.cfg.LogRetentionDays)
	}
	return nil
}

func (s *Scheduler) retryFailed(context.Context) error {
	retried := 0
	for _, job := range s.queue.GetJobsByStatus(queue.StatusFailed) {
		if !job.CanRetry(s.cfg.MaxRetries) {
			continue
		}
		if s.queue.RetryJob(job.ID) {
			retried++
			s.logger.Info("failed job retried automatically",
				logging.JobID(job.ID),
				logging.Int("retry_count", job.RetryCount+1),
				logging.Int("max_retries", s.cfg.MaxRetries),
				logging.String(logging.FieldEventType, "job_auto_retry"),
			)
		}
	}
	return nil
}
