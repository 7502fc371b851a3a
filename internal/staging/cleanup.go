package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"discburner/internal/logging"
)

// Result contains the outcome of a sweep.
type Result struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes temp directory entries, files or folders, last modified
// before now-maxAge.
func CleanStale(ctx context.Context, dir string, maxAge time.Duration, logger *slog.Logger) Result {
	cutoff := time.Now().Add(-maxAge)
	return sweep(ctx, dir, logger, "stale temp entry", func(entry os.DirEntry, info os.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
}

// CleanOrphanedControlFiles removes regular files in the control directory
// whose job id (the name up to the first dot) is not in active and which are
// older than minAge. The age guard leaves files alone that were written
// moments before the active set was sampled.
func CleanOrphanedControlFiles(ctx context.Context, dir string, active map[string]struct{}, minAge time.Duration, logger *slog.Logger) Result {
	cutoff := time.Now().Add(-minAge)
	return sweep(ctx, dir, logger, "orphaned control file", func(entry os.DirEntry, info os.FileInfo) bool {
		if entry.IsDir() || !info.ModTime().Before(cutoff) {
			return false
		}
		id, _, _ := strings.Cut(entry.Name(), ".")
		_, tracked := active[id]
		return !tracked
	})
}

func sweep(ctx context.Context, dir string, logger *slog.Logger, what string, remove func(os.DirEntry, os.FileInfo) bool) Result {
	result := Result{}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		}
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			if !os.IsNotExist(err) {
				result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			}
			continue
		}
		if !remove(entry, info) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			logging.WarnWithContext(logger, "failed to remove "+what, "staging_cleanup_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check directory permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, path)
		logger.Info("removed "+what,
			logging.String("path", path),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "staging_cleanup"),
		)
	}
	return result
}
