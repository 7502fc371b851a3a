package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"discburner/internal/logging"
	"discburner/internal/queue"
)

// Transfer results recorded in the history.
const (
	ResultDownloading = "downloading"
	ResultCompleted   = "completed"
	ResultReused      = "reused"
	ResultFailed      = "failed"
	ResultCancelled   = "cancelled"
)

const maxHistory = 500

// Progress is a snapshot of an active transfer.
type Progress struct {
	SourceID        string    `json:"source_id"`
	Filename        string    `json:"filename"`
	TotalBytes      int64     `json:"total_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	StartedAt       time.Time `json:"started_at"`
	Status          string    `json:"status"`
}

// Percent returns completion in percent, zero when the size is unknown.
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100
}

// Speed returns the average transfer rate in bytes per second.
func (p Progress) Speed(now time.Time) float64 {
	elapsed := now.Sub(p.StartedAt).Seconds()
	if elapsed <= 0 || p.DownloadedBytes == 0 {
		return 0
	}
	return float64(p.DownloadedBytes) / elapsed
}

// ETA estimates the remaining transfer time.
func (p Progress) ETA(now time.Time) (time.Duration, bool) {
	speed := p.Speed(now)
	if p.TotalBytes <= 0 || speed == 0 {
		return 0, false
	}
	remaining := float64(p.TotalBytes - p.DownloadedBytes)
	return time.Duration(remaining / speed * float64(time.Second)), true
}

// Record describes a finished transfer.
type Record struct {
	SourceID   string    `json:"source_id"`
	Filename   string    `json:"filename"`
	Result     string    `json:"result"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats summarises the download history.
type Stats struct {
	ActiveDownloads    int     `json:"active_downloads"`
	CompletedDownloads int     `json:"completed_downloads"`
	SuccessRate        float64 `json:"success_rate"`
	TotalBytes         int64   `json:"total_bytes"`
}

// begin registers a transfer for src. A transfer still running for the same
// source belongs to an abandoned attempt: it is cancelled and awaited first.
func (f *Fetcher) begin(ctx context.Context, src queue.SourceMetadata, target string, cancel context.CancelFunc, started time.Time) (*transfer, error) {
	for {
		f.mu.Lock()
		prev, busy := f.active[src.ID]
		if !busy {
			t := &transfer{
				cancel: cancel,
				done:   make(chan struct{}),
				progress: Progress{
					SourceID:   src.ID,
					Filename:   filepath.Base(target),
					TotalBytes: src.FileSize,
					StartedAt:  started,
					Status:     ResultDownloading,
				},
			}
			f.active[src.ID] = t
			f.mu.Unlock()
			return t, nil
		}
		prev.progress.Status = ResultCancelled
		f.mu.Unlock()

		f.logger.Info("superseding running download", logging.SourceID(src.ID))
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *Fetcher) advance(t *transfer, downloaded, total int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.progress.DownloadedBytes = downloaded
	if total > 0 {
		t.progress.TotalBytes = total
	}
}

func (f *Fetcher) finish(t *transfer, result string, bytes int64, err error) {
	f.mu.Lock()
	if f.active[t.progress.SourceID] == t {
		delete(f.active, t.progress.SourceID)
	}
	rec := Record{
		SourceID:   t.progress.SourceID,
		Filename:   t.progress.Filename,
		Result:     result,
		Bytes:      bytes,
		StartedAt:  t.progress.StartedAt,
		FinishedAt: f.now(),
	}
	f.mu.Unlock()
	close(t.done)
	if err != nil {
		rec.Error = err.Error()
	}
	f.record(rec)
}

func (f *Fetcher) record(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, rec)
	if over := len(f.history) - maxHistory; over > 0 {
		f.history = slices.Delete(f.history, 0, over)
	}
}

// Active returns snapshots of running transfers ordered by start time.
func (f *Fetcher) Active() []Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Progress, 0, len(f.active))
	for _, t := range f.active {
		out = append(out, t.progress)
	}
	slices.SortFunc(out, func(a, b Progress) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// History returns finished transfers, oldest first.
func (f *Fetcher) History() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.history)
}

// Stats reports counts over the retained history. Reused images count as
// successful.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := Stats{ActiveDownloads: len(f.active), CompletedDownloads: len(f.history)}
	successful := 0
	for _, rec := range f.history {
		stats.TotalBytes += rec.Bytes
		if rec.Result == ResultCompleted || rec.Result == ResultReused {
			successful++
		}
	}
	if stats.CompletedDownloads > 0 {
		stats.SuccessRate = float64(successful) / float64(stats.CompletedDownloads) * 100
	}
	return stats
}

// PruneHistory drops history records that started before now-maxAge.
func (f *Fetcher) PruneHistory(maxAge time.Duration) int {
	cutoff := f.now().Add(-maxAge)
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.history)
	f.history = slices.DeleteFunc(f.history, func(rec Record) bool {
		return rec.StartedAt.Before(cutoff)
	})
	removed := before - len(f.history)
	if removed > 0 {
		f.logger.Debug("download history pruned",
			logging.Int("removed", removed),
			logging.Int("remaining", len(f.history)),
		)
	}
	return removed
}

// RemoveOrphans deletes files in the downloads folder that no job references
// and that were last modified before now-maxAge. Stale ".part" files of
// transfers that are no longer running are removed as well.
func (f *Fetcher) RemoveOrphans(referenced map[string]bool, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read downloads dir: %w", err)
	}
	cutoff := f.now().Add(-maxAge)

	f.mu.Lock()
	running := make(map[string]bool, len(f.active))
	for _, t := range f.active {
		running[t.progress.Filename+partSuffix] = true
	}
	f.mu.Unlock()

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(f.dir, entry.Name())
		if referenced[path] || running[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
		f.logger.Info("orphaned download removed",
			logging.String("path", path),
			logging.Bool("partial", strings.HasSuffix(path, partSuffix)),
		)
	}
	return removed, errors.Join(errs...)
}
