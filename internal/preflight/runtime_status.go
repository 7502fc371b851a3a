package preflight

import (
	"context"
	"strings"

	"discburner/internal/config"
)

// CheckCatalogFromConfig evaluates catalog status from config and connectivity.
func CheckCatalogFromConfig(ctx context.Context, cfg *config.Config) Result {
	const name = "Catalog"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.Catalog.Endpoint) == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	if strings.TrimSpace(cfg.Catalog.BurnerID) == "" {
		return Result{Name: name, Detail: "Missing burner id"}
	}
	return CheckCatalog(ctx, cfg.Catalog)
}

// CheckNotificationsFromConfig reports whether push notifications are set up.
// The topic is not contacted; sending a test message is left to the CLI.
func CheckNotificationsFromConfig(cfg *config.Config) Result {
	const name = "Notifications"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	var events []string
	if cfg.Notifications.Completed {
		events = append(events, "completed")
	}
	if cfg.Notifications.Failed {
		events = append(events, "failed")
	}
	if len(events) == 0 {
		return Result{Name: name, Passed: true, Detail: topic + " (all burn events muted)"}
	}
	return Result{Name: name, Passed: true, Detail: topic + " (" + strings.Join(events, ", ") + ")"}
}
