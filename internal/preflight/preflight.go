package preflight

import (
	"context"

	"discburner/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Downloads directory", cfg.Paths.DownloadsDir),
		CheckDirectoryAccess("Control directory", cfg.Paths.ControlDir),
		CheckDirectoryAccess("Temp directory", cfg.Paths.TempDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if cfg.Jobs.ArchiveCompleted && cfg.Paths.CompletedDir != "" {
		results = append(results, CheckDirectoryAccess("Completed directory", cfg.Paths.CompletedDir))
	}

	results = append(results, CheckTemplates(cfg.Robot))
	if cfg.Robot.LabelFile != "" {
		results = append(results, CheckFileReadable("Label file", cfg.Robot.LabelFile))
	}
	results = append(results, CheckDatabase(ctx, cfg.Paths.DatabasePath))

	if cfg.CatalogConfigured() {
		results = append(results, CheckCatalog(ctx, cfg.Catalog))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
