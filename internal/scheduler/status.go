package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"discburner/internal/fetch"
	"discburner/internal/fileutil"
	"discburner/internal/logging"
	"discburner/internal/queue"
	"discburner/internal/store"
)

// TaskStatus describes one entry of the task table.
type TaskStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// WorkerStatus is a point-in-time view of the scheduler.
type WorkerStatus struct {
	Running     bool       `json:"running"`
	Paused      bool       `json:"paused"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	LastCheck   *time.Time `json:"last_check,omitempty"`
	// NextCheckIn is the number of seconds until the next catalog poll, nil
	// when polling is not scheduled.
	NextCheckIn    *int                `json:"next_check_in,omitempty"`
	QueueStatus    queue.QueueStatus   `json:"queue_status"`
	StorageStats   *store.StorageStats `json:"storage_stats,omitempty"`
	DownloadStats  *fetch.Stats        `json:"download_stats,omitempty"`
	ScheduledTasks int                 `json:"scheduled_tasks"`
	Tasks          []TaskStatus        `json:"tasks,omitempty"`
	Errors         []string            `json:"errors,omitempty"`
}

// GetWorkerStatus gathers queue, storage and download statistics. Storage
// errors are reported in Errors rather than failing the whole status.
func (s *Scheduler) GetWorkerStatus(ctx context.Context) WorkerStatus {
	now := s.now()
	s.mu.Lock()
	status := WorkerStatus{
		Running:        s.running,
		ScheduledTasks: len(s.tasks),
	}
	if !s.lastCheck.IsZero() {
		last := s.lastCheck
		status.LastCheck = &last
	}
	if now.Before(s.pausedUntil) {
		until := s.pausedUntil
		status.Paused = true
		status.PausedUntil = &until
	}
	for _, t := range s.tasks {
		status.Tasks = append(status.Tasks, TaskStatus{
			Name:      t.name,
			Interval:  t.interval.String(),
			NextRun:   t.next,
			LastRun:   t.lastRun,
			LastError: t.lastErr,
		})
		if t.name == TaskCatalogPoll {
			remaining := max(0, int(t.next.Sub(now).Seconds()))
			status.NextCheckIn = &remaining
		}
	}
	s.mu.Unlock()

	status.QueueStatus = s.queue.GetQueueStatus()
	if stats, err := s.store.GetStorageStats(ctx); err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("storage stats: %v", err))
	} else {
		status.StorageStats = &stats
	}
	if s.downloads != nil {
		stats := s.downloads.Stats()
		status.DownloadStats = &stats
	}
	return status
}

// TriggerImmediateCheck polls the catalog now and reports whether new jobs
// were added. The next scheduled poll is pushed back by a full interval.
func (s *Scheduler) TriggerImmediateCheck(ctx context.Context) bool {
	if s.catalog == nil {
		s.logger.Info("manual catalog check skipped; catalog not configured")
		return false
	}
	var added int
	err := s.runTask(ctx, TaskCatalogPoll, func(ctx context.Context) error {
		var err error
		added, err = s.pollCatalog(ctx)
		return err
	})
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.name == TaskCatalogPoll {
			t.next = s.now().Add(t.interval)
			t.lastRun = s.now()
			t.lastErr = ""
			if err != nil {
				t.lastErr = err.Error()
			}
		}
	}
	s.mu.Unlock()
	return err == nil && added > 0
}

// Pause suspends catalog polling, automatic retries and dispatch for d.
// Housekeeping tasks keep running and in-flight stages are unaffected.
func (s *Scheduler) Pause(d time.Duration) time.Time {
	if d <= 0 {
		d = time.Hour
	}
	until := s.now().Add(d)
	s.mu.Lock()
	s.pausedUntil = until
	s.mu.Unlock()
	s.logger.Info("scheduler paused",
		logging.Duration("duration", d),
		logging.String("until", until.Format(time.RFC3339)),
		logging.String(logging.FieldEventType, "scheduler_paused"),
	)
	return until
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	wasPaused := s.now().Before(s.pausedUntil)
	s.pausedUntil = time.Time{}
	s.mu.Unlock()
	if wasPaused {
		s.logger.Info("scheduler resumed", logging.String(logging.FieldEventType, "scheduler_resumed"))
	}
}

// Paused reports whether a pause is in effect.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.pausedUntil)
}

// ExportStatus writes the worker status as indented JSON to path.
func (s *Scheduler) ExportStatus(ctx context.Context, path string) error {
	status := s.GetWorkerStatus(ctx)
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode worker status: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write worker status: %w", err)
	}
	s.logger.Info("worker status exported", logging.String("path", path))
	return nil
}
