package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"discburner/internal/logging"
	"discburner/internal/markers"
	"discburner/internal/metrics"
	"discburner/internal/services"
)

// ProgressFunc receives transfer progress in bytes. total is zero when the
// size is unknown.
type ProgressFunc func(downloaded, total int64)

// FetchResult describes a fetched image.
type FetchResult struct {
	Path string
	Size int64
}

// Fetcher retrieves the image described by a job's source metadata.
type Fetcher interface {
	Fetch(ctx context.Context, src SourceMetadata, progress ProgressFunc) (FetchResult, error)
	// Cancel aborts an in-flight fetch for the source id.
	Cancel(sourceID string) bool
}

// ControlFileGenerator renders the robot control file for a downloaded job
// and returns its path.
type ControlFileGenerator interface {
	Generate(ctx context.Context, job Job) (string, error)
}

// Options configures a Queue.
type Options struct {
	// MaxConcurrent bounds jobs in downloading, burning or verifying.
	MaxConcurrent int
	// Workers bounds concurrent stage handlers. Zero means MaxConcurrent+2.
	Workers          int
	MonitorInterval  time.Duration
	BurnTimeout      time.Duration
	SubscriberBuffer int
	// ArchiveDir receives the files of completed jobs. Empty disables archiving.
	ArchiveDir string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Dependencies are the collaborators the stage handlers call.
type Dependencies struct {
	Fetcher   Fetcher
	Generator ControlFileGenerator
	Reader    markers.Reader
	Logger    *slog.Logger
}

const (
	defaultMonitorInterval = 10 * time.Second
	defaultBurnTimeout     = time.Hour
)

// Queue owns every job, the FIFO dispatch list and the admission gate.
type Queue struct {
	opts      Options
	fetcher   Fetcher
	generator ControlFileGenerator
	reader    markers.Reader
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	pending []string
	closed  bool

	notifier *notifier
	sup      *supervisor
}

// New builds a Queue. Fetcher and Generator are required.
func New(opts Options, deps Dependencies) (*Queue, error) {
	if opts.MaxConcurrent < 1 {
		return nil, services.Wrap(services.ErrConfiguration, "queue", "new", fmt.Sprintf("max concurrent must be at least 1, got %d", opts.MaxConcurrent), nil)
	}
	if deps.Fetcher == nil || deps.Generator == nil {
		return nil, services.Wrap(services.ErrConfiguration, "queue", "new", "fetcher and control file generator are required", nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = opts.MaxConcurrent + 2
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.BurnTimeout <= 0 {
		opts.BurnTimeout = defaultBurnTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	reader := deps.Reader
	if reader == nil {
		reader = markers.NewFileReader()
	}
	logger := logging.NewComponentLogger(deps.Logger, "queue")

	return &Queue{
		opts:      opts,
		fetcher:   deps.Fetcher,
		generator: deps.Generator,
		reader:    reader,
		logger:    logger,
		now:       opts.Now,
		jobs:      make(map[string]*Job),
		notifier:  newNotifier(logger, opts.SubscriberBuffer),
		sup:       newSupervisor(logger, opts.Workers),
	}, nil
}

// MaxConcurrent returns the admission limit.
func (q *Queue) MaxConcurrent() int {
	return q.opts.MaxConcurrent
}

// AddJob creates a PENDING job for src at the tail of the dispatch list.
func (q *Queue) AddJob(src SourceMetadata) string {
	now := q.now()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Source:    src.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.pending = append(q.pending, job.ID)
	metrics.ObserveTransition(string(StatusPending))
	q.updateGaugesLocked()
	q.logger.Info("job added",
		logging.JobID(job.ID),
		logging.SourceID(src.ID),
		logging.String("name", job.DisplayName()),
		logging.String(logging.FieldEventType, "job_added"),
	)
	q.notifier.publish(*job)
	return job.ID
}

// GetNextJob pops the first PENDING job from the dispatch list when the
// admission gate would let it start downloading. Stale ids are discarded. A
// blocked head leaves the list untouched.
func (q *Queue) GetNextJob() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		id := q.pending[0]
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusPending {
			q.pending = q.pending[1:]
			continue
		}
		if !q.admitLocked(StatusPending, StatusDownloading) {
			metrics.IncDispatchDeferred("capacity")
			return Job{}, false
		}
		q.pending = q.pending[1:]
		return job.Clone(), true
	}
	return Job{}, false
}

// StartProcessing advances job out of its current status using the dispatch
// table. The transition and the admission check happen under the queue lock;
// blocking work runs on the supervisor. It reports whether the job moved. A
// PENDING job that cannot start returns to the head of the dispatch list.
func (q *Queue) StartProcessing(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	cur, ok := q.jobs[job.ID]
	if !ok {
		return false
	}
	st, ok := dispatch[cur.Status]
	if !ok {
		return false
	}
	if !q.admitLocked(cur.Status, st.enters) {
		metrics.IncDispatchDeferred("capacity")
		q.requeueLocked(cur)
		return false
	}
	if st.run != nil && !q.sup.tryReserve() {
		metrics.IncDispatchDeferred("workers")
		q.logger.Debug("worker pool saturated; dispatch deferred",
			logging.JobID(cur.ID),
			logging.String(logging.FieldStage, st.name),
		)
		q.requeueLocked(cur)
		return false
	}

	from := cur.Status
	cur.Progress = 0
	q.setStatusLocked(cur, st.enters)
	q.logger.Info("stage started",
		logging.JobID(cur.ID),
		logging.String(logging.FieldStage, st.name),
		logging.String("from", string(from)),
		logging.String("to", string(st.enters)),
		logging.String(logging.FieldEventType, "stage_start"),
	)
	q.notifier.publish(*cur)
	if st.run != nil {
		cur.attempt++
		run := st.run
		q.sup.spawn(cur.Clone(), st.name, func(ctx context.Context, j Job) { run(q, ctx, j) }, q.failAfterPanic)
	}
	return true
}

// CancelJob moves a non-terminal job to CANCELLED and aborts its in-flight
// work. Missing and terminal jobs are left alone and false is returned.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}
	wasDownloading := job.Status == StatusDownloading
	sourceID := job.Source.ID
	q.removePendingLocked(id)
	q.setStatusLocked(job, StatusCancelled)
	job.attempt++
	q.sup.cancelJob(id)
	q.logger.Info("job cancelled",
		logging.JobID(id),
		logging.String(logging.FieldEventType, "job_cancelled"),
	)
	q.notifier.publish(*job)
	q.mu.Unlock()

	// The fetcher may be reporting progress, which takes the queue lock.
	if wasDownloading && sourceID != "" {
		q.fetcher.Cancel(sourceID)
	}
	return true
}

// RetryJob resets a terminal job to PENDING at the tail of the dispatch list.
// Artifacts of the previous run are deleted and RetryCount is incremented.
// Non-terminal and missing jobs report false.
func (q *Queue) RetryJob(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || !job.Status.IsTerminal() || q.closed {
		return false
	}
	if removed, err := removeArtifacts(*job); err != nil {
		logging.WarnWithContext(q.logger, "retry cleanup incomplete", "retry_cleanup_failed",
			logging.JobID(id),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove leftover files from the downloads and control folders"),
			logging.String(logging.FieldImpact, "stale files may remain next to the new attempt"),
		)
	} else if removed > 0 {
		q.logger.Debug("retry removed previous artifacts", logging.JobID(id), logging.Int("files", removed))
	}

	previous := job.Status
	job.ImagePath = ""
	job.ControlFilePath = ""
	job.Progress = 0
	job.ErrorMessage = ""
	job.DiscClass = ""
	job.RetryCount++
	job.attempt++
	q.setStatusLocked(job, StatusPending)
	q.removePendingLocked(id)
	q.pending = append(q.pending, id)
	q.logger.Info("job queued for retry",
		logging.JobID(id),
		logging.String("previous_status", string(previous)),
		logging.Int("retry_count", job.RetryCount),
		logging.String(logging.FieldEventType, "job_retry"),
	)
	q.notifier.publish(*job)
	return true
}

// GetJob returns a snapshot of the job.
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.Clone(), true
}

// FindBySourceID returns the job created for a catalog item, if any.
func (q *Queue) FindBySourceID(sourceID string) (Job, bool) {
	if sourceID == "" {
		return Job{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if job := q.jobs[id]; job.Source.ID == sourceID {
			return job.Clone(), true
		}
	}
	return Job{}, false
}

// GetAllJobs returns snapshots of every job in creation order.
func (q *Queue) GetAllJobs() []Job {
	return q.collect(func(*Job) bool { return true })
}

// GetJobsByStatus returns snapshots of jobs in status, in creation order.
func (q *Queue) GetJobsByStatus(status Status) []Job {
	return q.collect(func(j *Job) bool { return j.Status == status })
}

// ReadyJobs returns jobs waiting in a hand-off status, in creation order.
func (q *Queue) ReadyJobs() []Job {
	return q.collect(func(j *Job) bool { return j.Status.IsReady() })
}

func (q *Queue) collect(keep func(*Job) bool) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		if job := q.jobs[id]; keep(job) {
			out = append(out, job.Clone())
		}
	}
	return out
}

// ActiveCount returns the number of jobs holding an admission slot.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCountLocked()
}

// HasCapacity reports whether another job may enter an active status.
func (q *Queue) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCountLocked() < q.opts.MaxConcurrent
}

// GetQueueStatus aggregates counts per status.
func (q *Queue) GetQueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	status := QueueStatus{
		Total:         len(q.jobs),
		MaxConcurrent: q.opts.MaxConcurrent,
		QueueLength:   q.queueLengthLocked(),
	}
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			status.Pending++
		case StatusDownloading:
			status.Downloading++
		case StatusBurning:
			status.Burning++
		case StatusVerifying:
			status.Verifying++
		case StatusCompleted:
			status.Completed++
		case StatusFailed:
			status.Failed++
		case StatusCancelled:
			status.Cancelled++
		}
		if job.Status.IsReady() {
			status.Ready++
		}
	}
	status.ActiveSlots = min(q.opts.MaxConcurrent, status.Downloading+status.Burning+status.Verifying)
	status.Handlers = q.sup.inFlight()
	return status
}

// CleanupCompleted forgets COMPLETED and FAILED jobs last updated strictly
// before now-maxAge and returns how many were removed.
func (q *Queue) CleanupCompleted(maxAge time.Duration) int {
	cutoff := q.now().Add(-maxAge)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	q.order = slices.DeleteFunc(q.order, func(id string) bool {
		job := q.jobs[id]
		if job.Status != StatusCompleted && job.Status != StatusFailed {
			return false
		}
		if !job.UpdatedAt.Before(cutoff) {
			return false
		}
		delete(q.jobs, id)
		removed++
		return true
	})
	if removed > 0 {
		q.logger.Info("finished jobs purged",
			logging.Int("removed", removed),
			logging.Duration("max_age", maxAge),
			logging.String(logging.FieldEventType, "jobs_purged"),
		)
		q.updateGaugesLocked()
	}
	return removed
}

// MarkNotificationSent sets the notification latch for the job's current
// status. It returns false when the job moved on or the latch was already set,
// so concurrent reporters notify at most once per status.
func (q *Queue) MarkNotificationSent(id string, status Status) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != status || job.NotificationSent {
		return false
	}
	job.NotificationSent = true
	q.notifier.publish(*job)
	return true
}

// Subscribe registers fn for job snapshots published on every change. The
// returned function unsubscribes.
func (q *Queue) Subscribe(name string, fn func(Job)) func() {
	return q.notifier.subscribe(name, fn)
}

// Unsubscribe removes every subscriber registered under name.
func (q *Queue) Unsubscribe(name string) bool {
	return q.notifier.unsubscribeName(name)
}

// Close cancels running stage handlers, waits for them and drains subscribers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.sup.stop()
	q.notifier.close()
}

// ownedLocked returns the live job when the handler that received snapshot
// still owns it: same attempt, same status and an uncancelled context.
func (q *Queue) ownedLocked(ctx context.Context, snapshot Job, status Status) (*Job, bool) {
	job, ok := q.jobs[snapshot.ID]
	if !ok || job.attempt != snapshot.attempt || job.Status != status {
		return nil, false
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, false
	}
	return job, true
}

// commit moves the handler's job from one status to the next. A concurrent
// cancel, failure or retry always wins over a late handler.
func (q *Queue) commit(ctx context.Context, snapshot Job, from, to Status, mutate func(*Job)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := snapshot.ID
	job, ok := q.ownedLocked(ctx, snapshot, from)
	if !ok {
		q.logger.Debug("transition skipped; job moved on",
			logging.JobID(id),
			logging.String("expected", string(from)),
			logging.String("to", string(to)),
		)
		return false
	}
	if !CanTransition(from, to) || !q.admitLocked(from, to) {
		logging.ErrorWithContext(q.logger, "transition rejected", "invalid_transition",
			logging.JobID(id),
			logging.String("from", string(from)),
			logging.String("to", string(to)),
		)
		return false
	}
	if mutate != nil {
		mutate(job)
	}
	q.setStatusLocked(job, to)
	q.notifier.publish(*job)
	return true
}

// fail moves a job from one status to FAILED with message.
func (q *Queue) fail(ctx context.Context, snapshot Job, from Status, message string, cause error) bool {
	if !q.commit(ctx, snapshot, from, StatusFailed, func(j *Job) { j.ErrorMessage = message }) {
		return false
	}
	attrs := []logging.Attr{
		logging.JobID(snapshot.ID),
		logging.String("from", string(from)),
		logging.String("reason", message),
		logging.Alert("stage_failure"),
	}
	if cause != nil {
		attrs = append(attrs, logging.Error(cause))
		if hint := failureHint(cause); hint != "" {
			attrs = append(attrs, logging.String(logging.FieldErrorHint, hint))
		}
	}
	logging.ErrorWithContext(logging.WithContext(ctx, q.logger), "job failed", "stage_failure", attrs...)
	return true
}

// failAfterPanic fails whatever non-terminal status the job reached.
func (q *Queue) failAfterPanic(job Job, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.jobs[job.ID]
	if !ok || cur.attempt != job.attempt || cur.Status.IsTerminal() {
		return
	}
	cur.ErrorMessage = message
	q.setStatusLocked(cur, StatusFailed)
	q.notifier.publish(*cur)
}

// setProgress updates progress without a status change. Returns false when
// the handler no longer owns the job in status.
func (q *Queue) setProgress(snapshot Job, status Status, progress float64, publish bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.ownedLocked(nil, snapshot, status)
	if !ok {
		return false
	}
	if job.Progress == progress {
		return true
	}
	job.Progress = progress
	job.UpdatedAt = q.now()
	if publish {
		q.notifier.publish(*job)
	}
	return true
}

func (q *Queue) setStatusLocked(job *Job, to Status) {
	job.Status = to
	job.UpdatedAt = q.now()
	job.NotificationSent = false
	metrics.ObserveTransition(string(to))
	q.updateGaugesLocked()
}

// admitLocked applies the admission gate to a transition. Moving between two
// active statuses keeps the slot already held.
func (q *Queue) admitLocked(from, to Status) bool {
	if !to.IsActive() || from.IsActive() {
		return true
	}
	return q.activeCountLocked() < q.opts.MaxConcurrent
}

func (q *Queue) activeCountLocked() int {
	active := 0
	for _, job := range q.jobs {
		if job.Status.IsActive() {
			active++
		}
	}
	return active
}

func (q *Queue) queueLengthLocked() int {
	n := 0
	for _, id := range q.pending {
		if job, ok := q.jobs[id]; ok && job.Status == StatusPending {
			n++
		}
	}
	return n
}

func (q *Queue) updateGaugesLocked() {
	metrics.SetQueueGauges(q.activeCountLocked(), q.queueLengthLocked())
}

// requeueLocked puts a deferred PENDING job back at the head of the list.
func (q *Queue) requeueLocked(job *Job) {
	if job.Status != StatusPending {
		return
	}
	q.removePendingLocked(job.ID)
	q.pending = append([]string{job.ID}, q.pending...)
}

func (q *Queue) removePendingLocked(id string) {
	q.pending = slices.DeleteFunc(q.pending, func(v string) bool { return v == id })
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrIntegrity):
		return "the downloaded image did not match the catalog; retry the job"
	case errors.Is(err, services.ErrValidation):
		return "the image cannot be burned as published; fix it in the catalog"
	case errors.Is(err, services.ErrTimeout):
		return "check that the robot is powered and watching the control folder"
	case errors.Is(err, services.ErrExternalTool):
		return "inspect the robot status markers and the control file"
	case services.Retryable(err):
		return "transient failure; the job can be retried"
	default:
		return ""
	}
}
