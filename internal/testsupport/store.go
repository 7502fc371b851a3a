package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"discburner/internal/config"
	"discburner/internal/queue"
	"discburner/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewJob persists a job for sourceID in the given status and returns it.
func NewJob(t testing.TB, st *store.Store, sourceID string, status queue.Status) queue.Job {
	t.Helper()

	now := time.Now().UTC()
	job := queue.Job{
		ID:     uuid.NewString(),
		Status: status,
		Source: queue.SourceMetadata{
			ID:          sourceID,
			Filename:    sourceID + ".iso",
			DownloadURL: "https://catalog.example.org/files/" + sourceID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("store.SaveJob: %v", err)
	}
	return job
}
