package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"discburner/internal/config"
	"discburner/internal/fetch"
	"discburner/internal/logging"
	"discburner/internal/notifications"
	"discburner/internal/queue"
	"discburner/internal/store"
)

// Catalog lists images waiting to be burned.
type Catalog interface {
	QueryNewItems(ctx context.Context, since *time.Time) ([]queue.SourceMetadata, error)
}

// StatusReporter writes a final burn result back to the catalog.
type StatusReporter interface {
	ReportStatus(ctx context.Context, isoID, status, errorMessage string) error
}

// Persistence is the subset of the job store the scheduler drives.
type Persistence interface {
	SaveJob(ctx context.Context, job queue.Job) error
	UpdateJobState(ctx context.Context, job queue.Job) (bool, error)
	GetAllJobs(ctx context.Context) ([]queue.Job, error)
	CleanupOldJobs(ctx context.Context, maxAgeDays int) (int64, error)
	GetStorageStats(ctx context.Context) (store.StorageStats, error)
	BackupDatabase(ctx context.Context) (string, error)
	CleanupOldBackups(keep int) (int, error)
}

// Downloads exposes the fetcher's bookkeeping to the cleanup task.
type Downloads interface {
	Stats() fetch.Stats
	PruneHistory(maxAge time.Duration) int
	RemoveOrphans(referenced map[string]bool, maxAge time.Duration) (int, error)
}

// Config holds the scheduler timings.
type Config struct {
	CheckInterval           time.Duration
	TickInterval            time.Duration
	JobCleanupInterval      time.Duration
	DownloadCleanupInterval time.Duration
	DownloadMaxAge          time.Duration
	MaintenanceInterval     time.Duration
	RetentionDays           int
	BackupCount             int
	RetryFailed             bool
	MaxRetries              int
	LogDir                  string
	LogRetentionDays        int
	// TempDir and ControlDir are swept by the workspace cleanup task when set.
	TempDir     string
	ControlDir  string
	StopTimeout time.Duration
}

const (
	defaultTickInterval        = 10 * time.Second
	defaultCheckInterval       = 30 * time.Second
	defaultJobCleanupInterval  = time.Hour
	defaultDownloadCleanup     = 6 * time.Hour
	defaultDownloadMaxAge      = 24 * time.Hour
	defaultMaintenanceInterval = 24 * time.Hour
	defaultRetentionDays       = 7
	defaultBackupCount         = 5
	defaultStopTimeout         = 5 * time.Second
)

// ConfigFrom derives scheduler timings from the daemon configuration.
func ConfigFrom(cfg *config.Config) Config {
	if cfg == nil {
		return Config{}
	}
	return Config{
		CheckInterval:           cfg.CheckInterval(),
		TickInterval:            cfg.TickInterval(),
		JobCleanupInterval:      defaultJobCleanupInterval,
		DownloadCleanupInterval: time.Duration(cfg.Maintenance.DownloadCleanupHours) * time.Hour,
		DownloadMaxAge:          time.Duration(cfg.Maintenance.DownloadMaxAgeHours) * time.Hour,
		MaintenanceInterval:     time.Duration(cfg.Maintenance.DatabaseHours) * time.Hour,
		RetentionDays:           cfg.Jobs.RetentionDays,
		BackupCount:             cfg.Maintenance.BackupCount,
		RetryFailed:             cfg.Jobs.RetryFailed,
		MaxRetries:              cfg.Jobs.MaxRetries,
		LogDir:                  cfg.Paths.LogDir,
		LogRetentionDays:        cfg.Logging.RetentionDays,
		TempDir:                 cfg.Paths.TempDir,
		ControlDir:              cfg.Paths.ControlDir,
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.JobCleanupInterval <= 0 {
		c.JobCleanupInterval = defaultJobCleanupInterval
	}
	if c.DownloadCleanupInterval <= 0 {
		c.DownloadCleanupInterval = defaultDownloadCleanup
	}
	if c.DownloadMaxAge <= 0 {
		c.DownloadMaxAge = defaultDownloadMaxAge
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.BackupCount <= 0 {
		c.BackupCount = defaultBackupCount
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNotifier sets the push notification service.
func WithNotifier(notifier notifications.Service) Option {
	return func(s *Scheduler) {
		s.notifier = notifier
	}
}

// WithDownloads enables the download cleanup task and download statistics.
func WithDownloads(downloads Downloads) Option {
	return func(s *Scheduler) {
		s.downloads = downloads
	}
}

// WithReporter enables catalog write-back of terminal results.
func WithReporter(reporter StatusReporter) Option {
	return func(s *Scheduler) {
		s.reporter = reporter
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler runs periodic tasks and dispatches queued jobs.
type Scheduler struct {
	cfg       Config
	queue     *queue.Queue
	catalog   Catalog
	store     Persistence
	downloads Downloads
	reporter  StatusReporter
	notifier  notifications.Service
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	tasks       []*task
	lastCheck   time.Time
	pausedUntil time.Time
	unsubscribe []func()

	// pollMu serializes catalog polls between the loop and manual triggers.
	pollMu sync.Mutex
}

// New builds a scheduler. catalog may be nil when remote polling is not
// configured.
func New(cfg Config, q *queue.Queue, catalog Catalog, st Persistence, opts ...Option) (*Scheduler, error) {
	if q == nil || st == nil {
		return nil, errors.New("scheduler requires a queue and a store")
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		queue:   q,
		catalog: catalog,
		store:   st,
		logger:  logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "scheduler")
	return s, nil
}

// Start subscribes the persistence and reporting hooks and launches the
// loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.tasks = s.buildTasks(s.now())
	s.unsubscribe = []func(){
		s.queue.Subscribe("persistence", s.persist),
		s.queue.Subscribe("reporter", s.report),
	}
	done := s.done
	s.mu.Unlock()

	go s.loop(runCtx, done)
	s.logger.Info("scheduler started",
		logging.Duration("tick_interval", s.cfg.TickInterval),
		logging.Duration("check_interval", s.cfg.CheckInterval),
		logging.String(logging.FieldEventType, "scheduler_started"),
	)
}

// Stop cancels the loop, clears the task table and waits up to the stop
// timeout for the current tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	unsubscribe := s.unsubscribe
	s.cancel = nil
	s.tasks = nil
	s.unsubscribe = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		logging.WarnWithContext(s.logger, "scheduler loop did not stop in time", "scheduler_stop_timeout",
			logging.Duration("timeout", s.cfg.StopTimeout),
			logging.String(logging.FieldErrorHint, "a periodic task is blocked on I/O"),
			logging.String(logging.FieldImpact, "the task finishes in the background"),
		)
	}
	for _, fn := range unsubscribe {
		fn()
	}
	s.logger.Info("scheduler stopped", logging.String(logging.FieldEventType, "scheduler_stopped"))
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.logger.Debug("scheduler loop ended")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduler iteration: due tasks, then dispatch. The loop
// calls it on every tick interval.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	paused := s.Paused()
	s.runDueTasks(ctx, paused)
	if paused || ctx.Err() != nil {
		return
	}
	s.dispatch()
}

func (s *Scheduler) dispatch() {
	if job, ok := s.queue.GetNextJob(); ok {
		s.logger.Debug("dispatching pending job", logging.JobID(job.ID))
		s.queue.StartProcessing(job)
	}
	if !s.queue.HasCapacity() {
		return
	}
	for _, job := range s.queue.ReadyJobs() {
		if s.queue.StartProcessing(job) {
			s.logger.Debug("advanced ready job",
				logging.JobID(job.ID),
				logging.String("from", string(job.Status)),
			)
			return
		}
	}
}
