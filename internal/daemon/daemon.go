package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"discburner/internal/config"
	"discburner/internal/logging"
	"discburner/internal/queue"
	"discburner/internal/scheduler"
	"discburner/internal/services"
	"discburner/internal/store"
)

// ErrDuplicateSource reports an add request for an image that already has a job.
var ErrDuplicateSource = errors.New("source already has a job")

// Daemon owns the queue, the scheduler and the HTTP API and enforces
// single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	DatabasePath string
	LockFilePath string
	Worker       scheduler.WorkerStatus
}

// New constructs a daemon around already restored components.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, sched *scheduler.Scheduler, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil || q == nil || sched == nil {
		return nil, errors.New("daemon requires config, store, queue and scheduler")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     st,
		queue:     q,
		scheduler: sched,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock, then launches the scheduler and the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another discburner daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start api: %w", err)
	}
	d.cancel = cancel
	d.scheduler.Start(runCtx)

	d.running.Store(true)
	d.logger.Info("discburner daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	exportCtx, cancelExport := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.scheduler.ExportStatus(exportCtx, d.StatusPath()); err != nil {
		d.logger.Warn("final status snapshot not written", logging.Error(err))
	}
	cancelExport()
	d.scheduler.Stop()
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("discburner daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the queue and the store.
func (d *Daemon) Close() error {
	d.Stop()
	d.queue.Close()
	return d.store.Close()
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// APIAddr returns the address the HTTP API listens on, empty when the API is
// disabled or not started.
func (d *Daemon) APIAddr() string {
	if d.api == nil || d.api.listener == nil {
		return ""
	}
	return d.api.listener.Addr().String()
}

// StatusPath is where Stop leaves the last worker status snapshot.
func (d *Daemon) StatusPath() string {
	return filepath.Join(d.cfg.Paths.LogDir, "status.json")
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		Worker:       d.scheduler.GetWorkerStatus(ctx),
	}
}

// Jobs returns jobs in insertion order, optionally restricted to status.
func (d *Daemon) Jobs(status queue.Status) []queue.Job {
	if status == "" {
		return d.queue.GetAllJobs()
	}
	return d.queue.GetJobsByStatus(status)
}

// Job returns one job snapshot.
func (d *Daemon) Job(id string) (queue.Job, bool) {
	return d.queue.GetJob(id)
}

// AddJob enqueues a manually submitted image and persists it.
func (d *Daemon) AddJob(ctx context.Context, src queue.SourceMetadata) (queue.Job, error) {
	src.ID = strings.TrimSpace(src.ID)
	src.DownloadURL = strings.TrimSpace(src.DownloadURL)
	if src.ID == "" {
		return queue.Job{}, services.Wrap(services.ErrValidation, "daemon", "add job", "source id is required", nil)
	}
	if src.DownloadURL == "" {
		return queue.Job{}, services.Wrap(services.ErrValidation, "daemon", "add job", "download url is required", nil)
	}
	if src.FileSize < 0 {
		return queue.Job{}, services.Wrap(services.ErrValidation, "daemon", "add job", "file size must not be negative", nil)
	}
	if existing, ok := d.queue.FindBySourceID(src.ID); ok {
		return existing, fmt.Errorf("%w: %s is job %s (%s)", ErrDuplicateSource, src.ID, existing.ID, existing.Status)
	}

	id := d.queue.AddJob(src)
	job, _ := d.queue.GetJob(id)
	if err := d.store.SaveJob(ctx, job); err != nil {
		logging.WarnWithContext(d.logger, "manual job not persisted", "job_persist_failed",
			logging.JobID(id),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database path permissions"),
			logging.String(logging.FieldImpact, "the job is lost if the daemon restarts"),
		)
	}
	d.logger.Info("manual job queued",
		logging.JobID(id),
		logging.SourceID(src.ID),
		logging.String(logging.FieldEventType, "manual_job_added"),
	)
	return job, nil
}

// CancelJob cancels a non-terminal job.
func (d *Daemon) CancelJob(id string) bool {
	return d.queue.CancelJob(id)
}

// RetryJob re-enqueues a terminal job.
func (d *Daemon) RetryJob(id string) bool {
	return d.queue.RetryJob(id)
}

// TriggerCheck polls the catalog immediately.
func (d *Daemon) TriggerCheck(ctx context.Context) bool {
	return d.scheduler.TriggerImmediateCheck(ctx)
}

// Pause suspends dispatch for duration and returns the resume time.
func (d *Daemon) Pause(duration time.Duration) time.Time {
	return d.scheduler.Pause(duration)
}

// Resume lifts a pause.
func (d *Daemon) Resume() {
	d.scheduler.Resume()
}
