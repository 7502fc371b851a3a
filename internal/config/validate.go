package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCatalog(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCatalog() error {
	endpoint := strings.TrimSpace(c.Catalog.Endpoint)
	if endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("catalog.endpoint: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return errors.New("catalog.endpoint must start with http:// or https://")
		}
		if parsed.Host == "" {
			return errors.New("catalog.endpoint must include a host")
		}
		if strings.TrimSpace(c.Catalog.APIKey) == "" {
			defaultPath, err := DefaultConfigPath()
			if err != nil {
				defaultPath = defaultConfigPath
			}
			return fmt.Errorf("catalog.api_key is required when catalog.endpoint is set. Set %s or edit %s (create with 'discburner config init')", envCatalogAPIKey, defaultPath)
		}
	}
	if id := strings.TrimSpace(c.Catalog.BurnerID); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("catalog.burner_id must be a UUID: %w", err)
		}
	}
	return ensurePositiveMap(map[string]int{
		"catalog.timeout_seconds": c.Catalog.TimeoutSeconds,
		"catalog.retry_attempts":  c.Catalog.RetryAttempts,
	})
}

func (c *Config) validateJobs() error {
	if c.Jobs.MaxConcurrent < 1 {
		return errors.New("jobs.max_concurrent must be at least 1")
	}
	if c.Jobs.CheckInterval < minCheckInterval {
		return fmt.Errorf("jobs.check_interval must be at least %d seconds", minCheckInterval)
	}
	if c.Jobs.Workers < 0 {
		return errors.New("jobs.workers must be >= 0")
	}
	return ensurePositiveMap(map[string]int{
		"jobs.burner_timeout":    c.Jobs.BurnerTimeout,
		"jobs.monitor_interval":  c.Jobs.MonitorInterval,
		"jobs.tick_interval":     c.Jobs.TickInterval,
		"jobs.retention_days":    c.Jobs.RetentionDays,
		"jobs.subscriber_buffer": c.Jobs.SubscriberBuffer,
	})
}

func (c *Config) validateMaintenance() error {
	if c.Maintenance.DownloadMaxAgeHours < c.Maintenance.DownloadCleanupHours {
		return errors.New("maintenance.download_max_age_hours must be >= maintenance.download_cleanup_hours")
	}
	return ensurePositiveMap(map[string]int{
		"maintenance.download_cleanup_hours": c.Maintenance.DownloadCleanupHours,
		"maintenance.database_hours":         c.Maintenance.DatabaseHours,
		"maintenance.backup_count":           c.Maintenance.BackupCount,
		"notifications.request_timeout":      c.Notifications.RequestTimeout,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
