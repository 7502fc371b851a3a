package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"discburner/internal/api"
	"discburner/internal/daemonctl"
)

type fakeStatus struct {
	failures atomic.Int32
}

func (f *fakeStatus) Status(context.Context) (api.DaemonStatus, error) {
	if f.failures.Add(-1) >= 0 {
		return api.DaemonStatus{}, errors.New("connection refused")
	}
	return api.DaemonStatus{Running: true, PID: 321}, nil
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	if _, err := daemonctl.ReadPID(filepath.Join(dir, "missing.pid")); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	bad := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(bad, []byte("abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := daemonctl.ReadPID(bad); err == nil {
		t.Fatal("expected malformed pid error")
	}
	good := filepath.Join(dir, "good.pid")
	if err := os.WriteFile(good, []byte("4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if pid, err := daemonctl.ReadPID(good); err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}
}

func TestWaitForAPIRetries(t *testing.T) {
	client := &fakeStatus{}
	client.failures.Store(2)
	status, err := daemonctl.WaitForAPI(context.Background(), client, 5*time.Second)
	if err != nil || status.PID != 321 {
		t.Fatalf("WaitForAPI = %+v, %v", status, err)
	}

	client.failures.Store(1000)
	if _, err := daemonctl.WaitForAPI(context.Background(), client, 300*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEnsureStartedSkipsRunningDaemon(t *testing.T) {
	result, err := daemonctl.EnsureStarted(context.Background(), &fakeStatus{}, "", daemonctl.LaunchOptions{}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if result.State != daemonctl.StartStateAlreadyRunning || result.PID != 321 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := daemonctl.Launch("  ", daemonctl.LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable path")
	}
}

func TestStopTerminatesProcess(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(sleep, "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	go func() { _ = cmd.Wait() }()

	dir := t.TempDir()
	pidPath := filepath.Join(dir, "discburner.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := daemonctl.Stop(pidPath, filepath.Join(dir, "discburner.lock"), 5*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.PID != cmd.Process.Pid || result.ForcedKill {
		t.Fatalf("unexpected stop result %+v", result)
	}
	if daemonctl.ProcessAlive(cmd.Process.Pid) {
		t.Fatal("expected process to exit")
	}

	if _, err := daemonctl.Stop(pidPath, "", time.Second); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning for dead pid, got %v", err)
	}
}
