package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"discburner/internal/logging"
	"discburner/internal/queue"
	"discburner/internal/store"
	"discburner/internal/testsupport"
)

func TestBuildRestoresPersistedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""

	seed, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	downloading := testsupport.NewJob(t, seed, "iso-1", queue.StatusDownloading)
	failed := testsupport.NewJob(t, seed, "iso-2", queue.StatusFailed)
	if err := seed.Close(); err != nil {
		t.Fatalf("close seed store: %v", err)
	}

	d, err := build(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	job, ok := d.Job(downloading.ID)
	if !ok || job.Status != queue.StatusPending {
		t.Fatalf("expected interrupted download rolled back to pending, got %+v", job)
	}
	if job, ok := d.Job(failed.ID); !ok || job.Status != queue.StatusFailed {
		t.Fatalf("expected failed job kept, got %+v", job)
	}
	if got := len(d.Jobs(queue.StatusPending)); got != 1 {
		t.Fatalf("expected one pending job, got %d", got)
	}
}

func TestBuildRejectsInvalidQueueLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrent(0))
	if _, err := build(context.Background(), cfg, logging.NewNop()); err == nil {
		t.Fatal("expected error for zero max concurrent")
	}
}

func TestEnsureCurrentLogPointer(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "discburner-1.log")
	second := filepath.Join(dir, "discburner-2.log")
	for _, path := range []string{first, second} {
		if err := os.WriteFile(path, []byte(filepath.Base(path)), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if err := ensureCurrentLogPointer(dir, first); err != nil {
		t.Fatalf("first pointer: %v", err)
	}
	if err := ensureCurrentLogPointer(dir, second); err != nil {
		t.Fatalf("second pointer: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if string(data) != "discburner-2.log" {
		t.Fatalf("pointer resolves to %q", data)
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discburnerd.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		t.Fatal("expected pid in file")
	}
	if err := writePIDFile(""); err != nil {
		t.Fatalf("empty path should be ignored: %v", err)
	}
}
