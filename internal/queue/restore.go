package queue

import (
	"slices"

	"discburner/internal/logging"
)

// Restore loads persisted jobs into an empty or partially filled queue.
// Jobs interrupted mid-stage are rolled back to the last status whose work
// can be repeated, PENDING jobs rejoin the dispatch list in creation order
// and every rolled back job is published so subscribers persist the change.
// Ids already present are skipped. It returns the number of jobs loaded.
func (q *Queue) Restore(jobs []Job) int {
	sorted := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		sorted = append(sorted, job.Clone())
	}
	slices.SortStableFunc(sorted, func(a, b Job) int { return a.CreatedAt.Compare(b.CreatedAt) })

	q.mu.Lock()
	defer q.mu.Unlock()
	loaded := 0
	var changed []*Job
	for i := range sorted {
		job := sorted[i]
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		if _, known := ParseStatus(string(job.Status)); !known {
			logging.WarnWithContext(q.logger, "persisted job has unknown status; skipped", "restore_skipped",
				logging.JobID(job.ID),
				logging.String("status", string(job.Status)),
				logging.String(logging.FieldErrorHint, "inspect the burn_jobs table"),
				logging.String(logging.FieldImpact, "job is not tracked by the daemon"),
			)
			continue
		}
		stored := &job
		if to, ok := rollbackStatus(stored.Status); ok {
			q.logger.Info("interrupted job rolled back",
				logging.JobID(stored.ID),
				logging.String("from", string(stored.Status)),
				logging.String("to", string(to)),
				logging.String(logging.FieldEventType, "job_rollback"),
			)
			stored.Progress = 0
			if to == StatusPending {
				stored.DiscClass = ""
			}
			q.setStatusLocked(stored, to)
			changed = append(changed, stored)
		}
		q.jobs[stored.ID] = stored
		q.order = append(q.order, stored.ID)
		if stored.Status == StatusPending {
			q.pending = append(q.pending, stored.ID)
		}
		loaded++
	}

	slices.SortStableFunc(q.order, func(a, b string) int {
		return q.jobs[a].CreatedAt.Compare(q.jobs[b].CreatedAt)
	})
	q.updateGaugesLocked()
	for _, job := range changed {
		q.notifier.publish(*job)
	}
	return loaded
}
