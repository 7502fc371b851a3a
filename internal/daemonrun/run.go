package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"discburner/internal/catalog"
	"discburner/internal/config"
	"discburner/internal/controlfile"
	"discburner/internal/daemon"
	"discburner/internal/fetch"
	"discburner/internal/logging"
	"discburner/internal/markers"
	"discburner/internal/notifications"
	"discburner/internal/preflight"
	"discburner/internal/queue"
	"discburner/internal/scheduler"
	"discburner/internal/store"
)

const downloadHeaderTimeout = time.Minute

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the discburner daemon and blocks until SIGINT/SIGTERM or ctx is
// cancelled.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, closeLogs, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogs()

	logging.PruneRunLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays)
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, err := build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("daemon setup failed", logging.Error(err))
		return err
	}
	defer d.Close()

	g, ctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		logPreflight(ctx, logger, cfg)
		return nil
	})
	g.Go(func() error {
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		<-ctx.Done()
		logger.Info("discburner daemon shutting down")
		d.Stop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.ErrorWithContext(logger, "daemon exited with error", "daemon_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running instance and the api bind address"),
		)
		return err
	}
	return nil
}

// build opens the store, restores persisted jobs and assembles the queue,
// scheduler and daemon.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	closeStore := true
	defer func() {
		if closeStore {
			_ = st.Close()
		}
	}()

	if reset, err := st.ResetInterrupted(ctx); err != nil {
		return nil, err
	} else if reset > 0 {
		logger.Info("interrupted jobs rolled back", logging.Int64("jobs", reset))
	}
	persisted, err := st.GetAllJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted jobs: %w", err)
	}

	fetcher, err := fetch.New(fetch.Options{
		DownloadsDir:  cfg.Paths.DownloadsDir,
		HeaderTimeout: downloadHeaderTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	generator, err := controlfile.New(controlfile.Options{
		Dir:             cfg.Paths.ControlDir,
		ControlTemplate: cfg.Robot.ControlTemplate,
		DataTemplate:    cfg.Robot.DataTemplate,
		LabelFile:       cfg.Robot.LabelFile,
		Publisher:       cfg.Robot.Name,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	archiveDir := ""
	if cfg.Jobs.ArchiveCompleted {
		archiveDir = cfg.Paths.CompletedDir
	}
	q, err := queue.New(queue.Options{
		MaxConcurrent:    cfg.Jobs.MaxConcurrent,
		Workers:          cfg.WorkerSlots(),
		MonitorInterval:  cfg.MonitorInterval(),
		BurnTimeout:      cfg.BurnerTimeout(),
		SubscriberBuffer: cfg.Jobs.SubscriberBuffer,
		ArchiveDir:       archiveDir,
	}, queue.Dependencies{
		Fetcher:   fetcher,
		Generator: generator,
		Reader:    markers.NewFileReader(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	restored := q.Restore(persisted)
	logger.Info("job queue restored",
		logging.Int("jobs", restored),
		logging.Int("max_concurrent", q.MaxConcurrent()),
		logging.String(logging.FieldEventType, "queue_restored"),
	)

	var (
		source   scheduler.Catalog
		reporter scheduler.StatusReporter
	)
	if cfg.CatalogConfigured() {
		client := catalog.NewClient(catalog.Config{
			Endpoint:       cfg.Catalog.Endpoint,
			APIKey:         cfg.Catalog.APIKey,
			BurnerID:       cfg.Catalog.BurnerID,
			TimeoutSeconds: cfg.Catalog.TimeoutSeconds,
			RetryAttempts:  cfg.Catalog.RetryAttempts,
		}, catalog.WithLogger(logger))
		source, reporter = client, client
	} else {
		logging.WarnWithContext(logger, "catalog not configured; only manually added jobs run", "catalog_disabled",
			logging.String(logging.FieldErrorHint, "set catalog.endpoint and catalog.burner_id"),
			logging.String(logging.FieldImpact, "new images are not picked up automatically"),
		)
	}

	sched, err := scheduler.New(scheduler.ConfigFrom(cfg), q, source, st,
		scheduler.WithLogger(logger),
		scheduler.WithNotifier(notifications.NewService(cfg)),
		scheduler.WithDownloads(fetcher),
		scheduler.WithReporter(reporter),
	)
	if err != nil {
		q.Close()
		return nil, err
	}
	d, err := daemon.New(cfg, st, q, sched, logger)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	closeStore = false
	return d, nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, func(), error) {
	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("discburner-%s.log", runID))

	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		Outputs:     []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logging.LogFileName, err)
	}

	var closer io.Closer
	events, eventCloser, err := logging.NewEventLogHandler(cfg.Paths.LogDir, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to open event log: %v\n", err)
	} else {
		logger = logging.TeeLogger(logger, events)
		closer = eventCloser
	}
	return logger, func() {
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	results := preflight.RunAll(ctx, cfg)
	for _, result := range results {
		if result.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run `discburner preflight` for details"),
			logging.String(logging.FieldImpact, "jobs depending on this resource will fail"),
		)
	}
	logger.Info("preflight complete",
		logging.Int("checks", len(results)),
		logging.Int("failed", len(preflight.Failed(results))),
		logging.Bool("catalog_configured", cfg.CatalogConfigured()),
		logging.String("notifications", preflight.CheckNotificationsFromConfig(cfg).Detail),
	)
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logging.LogFileName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
