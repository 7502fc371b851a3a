package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"discburner/internal/queue"
	"discburner/internal/store"
	"discburner/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, st, "iso-1", queue.StatusPending)

	fetched, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched == nil || fetched.Source.ID != "iso-1" || fetched.Status != queue.StatusPending {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	health, err := st.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.DatabaseExists || !health.TableExists || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %+v", health)
	}
	if len(health.MissingColumns) != 0 {
		t.Fatalf("missing columns: %v", health.MissingColumns)
	}
	if health.SchemaVersion != 1 || health.TotalJobs != 1 {
		t.Fatalf("unexpected schema version or count: %+v", health)
	}
}

func TestReopenKeepsJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	job := testsupport.NewJob(t, st, "persisted", queue.StatusDownloaded)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := testsupport.MustOpenStore(t, cfg)
	fetched, err := reopened.GetJob(context.Background(), job.ID)
	if err != nil || fetched == nil {
		t.Fatalf("expected job after reopen, got %v %v", fetched, err)
	}
}

func TestSaveJobRoundTripsAllFields(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 8, 30, 0, 123456789, time.UTC)
	job := queue.Job{
		ID:     "job-1",
		Status: queue.StatusFailed,
		Source: queue.SourceMetadata{
			ID:               "iso-9",
			Filename:         "Doe_John.iso",
			FileSize:         700 * queue.MiB,
			DownloadURL:      "https://catalog.example.org/f/iso-9",
			Checksum:         "md5:abc",
			PatientName:      "Doe John",
			PatientID:        "P-1",
			PatientBirthDate: "1970-01-01",
			StudyDateTime:    "2026-01-31T10:00:00Z",
			StudyDescription: "CT Thorax",
			Extra:            map[string]string{"modality": "CT"},
		},
		ImagePath:        "/srv/downloads/Doe_John.iso",
		ControlFilePath:  "/srv/control/job-1.jdf",
		Progress:         42,
		ErrorMessage:     "Burning timed out",
		RetryCount:       2,
		DiscClass:        queue.DiscClassLarge,
		CreatedAt:        created,
		UpdatedAt:        created.Add(time.Minute),
		NotificationSent: true,
	}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	got, err := st.GetJob(ctx, "job-1")
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v %v", got, err)
	}
	if got.Source.Extra["modality"] != "CT" || got.Source.Checksum != "md5:abc" || got.Source.FileSize != job.Source.FileSize {
		t.Fatalf("source metadata not preserved: %+v", got.Source)
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(job.UpdatedAt) {
		t.Fatalf("timestamps not preserved: %v %v", got.CreatedAt, got.UpdatedAt)
	}
	if got.RetryCount != 2 || got.DiscClass != queue.DiscClassLarge || !got.NotificationSent || got.ErrorMessage != job.ErrorMessage {
		t.Fatalf("state not preserved: %+v", got)
	}

	job.Status = queue.StatusPending
	job.ErrorMessage = ""
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob upsert: %v", err)
	}
	got, _ = st.GetJob(ctx, "job-1")
	if got.Status != queue.StatusPending || got.ErrorMessage != "" {
		t.Fatalf("upsert did not replace the row: %+v", got)
	}
}

func TestUpdateJobState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "iso-2", queue.StatusPending)
	job.Status = queue.StatusDownloaded
	job.ImagePath = "/tmp/iso-2.iso"
	job.Progress = 100
	job.DiscClass = queue.DiscClassSmall
	job.UpdatedAt = time.Now()

	found, err := st.UpdateJobState(ctx, job)
	if err != nil || !found {
		t.Fatalf("UpdateJobState: found=%v err=%v", found, err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != queue.StatusDownloaded || got.ImagePath != job.ImagePath || got.DiscClass != queue.DiscClassSmall {
		t.Fatalf("state not updated: %+v", got)
	}

	found, err = st.UpdateJobState(ctx, queue.Job{ID: "missing", Status: queue.StatusFailed})
	if err != nil || found {
		t.Fatalf("expected missing job to report false, got %v %v", found, err)
	}
}

func TestListJobsSupportsStatusFilter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a := testsupport.NewJob(t, st, "a", queue.StatusPending)
	time.Sleep(time.Millisecond)
	b := testsupport.NewJob(t, st, "b", queue.StatusBurning)
	time.Sleep(time.Millisecond)
	c := testsupport.NewJob(t, st, "c", queue.StatusFailed)

	all, err := st.GetAllJobs(ctx)
	if err != nil {
		t.Fatalf("GetAllJobs: %v", err)
	}
	if len(all) != 3 || all[0].ID != a.ID || all[1].ID != b.ID || all[2].ID != c.ID {
		t.Fatalf("expected creation order a,b,c, got %+v", all)
	}

	filtered, err := st.ListJobs(ctx, queue.StatusBurning, queue.StatusFailed)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(filtered) != 2 || filtered[0].ID != b.ID || filtered[1].ID != c.ID {
		t.Fatalf("unexpected filtered jobs: %+v", filtered)
	}

	found, err := st.FindBySourceID(ctx, "b")
	if err != nil || found == nil || found.ID != b.ID {
		t.Fatalf("FindBySourceID: %v %v", found, err)
	}
	missing, err := st.FindBySourceID(ctx, "zzz")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown source, got %v %v", missing, err)
	}
}

func TestCleanupOldJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour)
	save := func(id string, status queue.Status, updated time.Time) {
		t.Helper()
		if err := st.SaveJob(ctx, queue.Job{ID: id, Status: status, Source: queue.SourceMetadata{ID: id}, CreatedAt: updated, UpdatedAt: updated}); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}
	save("old-completed", queue.StatusCompleted, old)
	save("old-failed", queue.StatusFailed, old)
	save("old-cancelled", queue.StatusCancelled, old)
	save("old-pending", queue.StatusPending, old)
	save("recent-completed", queue.StatusCompleted, time.Now())

	removed, err := st.CleanupOldJobs(ctx, 7)
	if err != nil {
		t.Fatalf("CleanupOldJobs: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	remaining, _ := st.GetAllJobs(ctx)
	if len(remaining) != 3 {
		t.Fatalf("expected 3 remaining jobs, got %d", len(remaining))
	}
	if _, err := st.CleanupOldJobs(ctx, 0); err == nil {
		t.Fatal("expected error for non-positive age")
	}
}

func TestResetInterrupted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	cases := []struct {
		initial  queue.Status
		expected queue.Status
	}{
		{queue.StatusDownloading, queue.StatusPending},
		{queue.StatusGeneratingControlFile, queue.StatusDownloaded},
		{queue.StatusBurning, queue.StatusQueuedForBurn},
		{queue.StatusVerifying, queue.StatusQueuedForBurn},
		{queue.StatusCompleted, queue.StatusCompleted},
	}
	ids := make([]string, len(cases))
	for i, tc := range cases {
		ids[i] = testsupport.NewJob(t, st, string(tc.initial), tc.initial).ID
	}

	count, err := st.ResetInterrupted(ctx)
	if err != nil {
		t.Fatalf("ResetInterrupted: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 jobs reset, got %d", count)
	}
	for i, tc := range cases {
		got, _ := st.GetJob(ctx, ids[i])
		if got.Status != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.initial, tc.expected, got.Status)
		}
	}
}

func TestStorageStatsAndBackups(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, st, "p", queue.StatusPending)
	testsupport.NewJob(t, st, "c", queue.StatusCompleted)
	testsupport.NewJob(t, st, "f", queue.StatusFailed)

	backup, err := st.BackupDatabase(ctx)
	if err != nil {
		t.Fatalf("BackupDatabase: %v", err)
	}
	if filepath.Dir(backup) != filepath.Dir(st.Path()) {
		t.Fatalf("backup written outside the database folder: %s", backup)
	}
	if info, err := os.Stat(backup); err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty backup: %v", err)
	}

	stats, err := st.GetStorageStats(ctx)
	if err != nil {
		t.Fatalf("GetStorageStats: %v", err)
	}
	if stats.TotalJobs != 3 || stats.PendingJobs != 1 || stats.CompletedJobs != 1 || stats.FailedJobs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.DatabaseBytes == 0 || stats.Backups != 1 || stats.LastBackup.IsZero() {
		t.Fatalf("unexpected file stats: %+v", stats)
	}
}

func TestCleanupOldBackupsKeepsNewest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	base := time.Now().Add(-time.Hour)
	var paths []string
	for i := 0; i < 4; i++ {
		path := st.Path() + ".backup_2026010" + string(rune('1'+i)) + "_000000"
		testsupport.WriteFile(t, path, 16)
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
		paths = append(paths, path)
	}

	removed, err := st.CleanupOldBackups(2)
	if err != nil {
		t.Fatalf("CleanupOldBackups: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for i, path := range paths {
		_, statErr := os.Stat(path)
		kept := !errors.Is(statErr, os.ErrNotExist)
		if want := i >= 2; kept != want {
			t.Fatalf("backup %d kept=%v want %v", i, kept, want)
		}
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := filepath.Join(testsupport.BaseDir(cfg), "corrupt.db")
	if err := os.WriteFile(path, []byte("definitely not a sqlite database file, just some text padding"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st, err := store.OpenPath(path); err == nil {
		st.Close()
		t.Fatal("expected error opening a corrupt database file")
	}
}
