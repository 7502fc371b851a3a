package daemon_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"discburner/internal/config"
	"discburner/internal/controlfile"
	"discburner/internal/daemon"
	"discburner/internal/fetch"
	"discburner/internal/queue"
	"discburner/internal/scheduler"
	"discburner/internal/services"
	"discburner/internal/testsupport"
)

func build(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	st := testsupport.MustOpenStore(t, cfg)
	fetcher, err := fetch.New(fetch.Options{DownloadsDir: cfg.Paths.DownloadsDir})
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	generator, err := controlfile.New(controlfile.Options{Dir: cfg.Paths.ControlDir})
	if err != nil {
		t.Fatalf("controlfile.New: %v", err)
	}
	q, err := queue.New(queue.Options{MaxConcurrent: 2}, queue.Dependencies{Fetcher: fetcher, Generator: generator})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(q.Close)
	sched, err := scheduler.New(scheduler.ConfigFrom(cfg), q, nil, st)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	d, err := daemon.New(cfg, st, q, sched, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := daemon.New(nil, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error without components")
	}
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := build(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running || !status.Worker.Running {
		t.Fatalf("expected daemon and scheduler running, got %+v", status)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("unexpected pid %d", status.PID)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("expected daemon to be stopped")
	}
	if _, err := os.Stat(d.StatusPath()); err != nil {
		t.Fatalf("expected final status snapshot: %v", err)
	}
	if d.Status(ctx).Worker.Running {
		t.Fatal("expected scheduler to be stopped")
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	first := build(t, cfg)
	second := build(t, cfg)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := second.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "another discburner daemon instance is already running") {
		t.Fatalf("expected lock error, got %v", err)
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("expected second instance to start after release: %v", err)
	}
	second.Stop()
}

func TestAddJobValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	d := build(t, cfg)
	ctx := context.Background()

	if _, err := d.AddJob(ctx, queue.SourceMetadata{DownloadURL: "https://x/iso"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error without id, got %v", err)
	}
	if _, err := d.AddJob(ctx, queue.SourceMetadata{ID: "iso-1", DownloadURL: "https://x/iso", FileSize: -1}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for negative size, got %v", err)
	}
	job, err := d.AddJob(ctx, queue.SourceMetadata{ID: " iso-1 ", DownloadURL: " https://x/iso "})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.Source.ID != "iso-1" || job.Source.DownloadURL != "https://x/iso" {
		t.Fatalf("expected trimmed source, got %+v", job.Source)
	}
	if _, err := d.AddJob(ctx, queue.SourceMetadata{ID: "iso-1", DownloadURL: "https://x/iso"}); !errors.Is(err, daemon.ErrDuplicateSource) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if got := d.Jobs(queue.StatusPending); len(got) != 1 {
		t.Fatalf("expected one pending job, got %d", len(got))
	}
}
