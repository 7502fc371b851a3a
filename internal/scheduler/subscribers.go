package scheduler

import (
	"context"
	"errors"
	"time"

	"discburner/internal/catalog"
	"discburner/internal/logging"
	"discburner/internal/notifications"
	"discburner/internal/queue"
)

const (
	persistTimeout = 10 * time.Second
	reportTimeout  = 2 * time.Minute
)

// persist writes every published snapshot through to the store. Jobs the
// store has not seen yet are inserted.
func (s *Scheduler) persist(job queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	updated, err := s.store.UpdateJobState(ctx, job)
	if err == nil && !updated {
		err = s.store.SaveJob(ctx, job)
	}
	if err != nil {
		logging.WarnWithContext(s.logger, "job state not persisted", "job_persist_failed",
			logging.JobID(job.ID),
			logging.String("status", string(job.Status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database path permissions and free space"),
			logging.String(logging.FieldImpact, "the stored state lags behind the queue until the next change"),
		)
	}
}

// report notifies once per terminal state. The NotificationSent latch is
// claimed first so a re-published snapshot never reports twice.
func (s *Scheduler) report(job queue.Job) {
	if job.NotificationSent {
		return
	}
	var (
		event  notifications.Event
		result string
	)
	switch job.Status {
	case queue.StatusCompleted:
		event, result = notifications.EventJobCompleted, catalog.StatusCompleted
	case queue.StatusFailed:
		event, result = notifications.EventJobFailed, catalog.StatusFailed
	default:
		return
	}
	if !s.queue.MarkNotificationSent(job.ID, job.Status) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	logger := s.logger.With(logging.JobID(job.ID))

	payload := notifications.Payload{
		"job":       job.DisplayName(),
		"job_id":    job.ID,
		"source_id": job.Source.ID,
	}
	if job.ErrorMessage != "" {
		payload["error"] = job.ErrorMessage
	}
	s.publish(ctx, event, payload)

	if s.reporter == nil || job.Source.ID == "" {
		return
	}
	if err := s.reporter.ReportStatus(ctx, job.Source.ID, result, job.ErrorMessage); err != nil {
		logging.WarnWithContext(logger, "catalog status update failed", "catalog_report_failed",
			logging.SourceID(job.Source.ID),
			logging.String("status", result),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check catalog connectivity"),
			logging.String(logging.FieldImpact, "the catalog still lists the image as pending"),
		)
		return
	}
	logger.Info("catalog status updated",
		logging.SourceID(job.Source.ID),
		logging.String("status", result),
		logging.String(logging.FieldEventType, "catalog_reported"),
	)
}

func (s *Scheduler) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("daemon shutting down, notification not sent", logging.String("event", string(event)))
			return
		}
		s.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}
