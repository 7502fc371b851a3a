package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeRobot(); err != nil {
		return err
	}
	c.normalizeCatalog()
	c.normalizeJobs()
	c.normalizeMaintenance()
	c.normalizeLogging()
	c.normalizeNotifications()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name     string
		value    *string
		fallback string
	}{
		{"paths.downloads_dir", &c.Paths.DownloadsDir, defaultDownloadsDir},
		{"paths.control_dir", &c.Paths.ControlDir, defaultControlDir},
		{"paths.completed_dir", &c.Paths.CompletedDir, defaultCompletedDir},
		{"paths.temp_dir", &c.Paths.TempDir, defaultTempDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
		{"paths.database_path", &c.Paths.DatabasePath, defaultDatabasePath},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.fallback
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeCatalog() {
	c.Catalog.Endpoint = strings.TrimSpace(c.Catalog.Endpoint)
	if c.Catalog.Endpoint == "" {
		c.Catalog.Endpoint = strings.TrimSpace(os.Getenv(envCatalogEndpoint))
	}
	c.Catalog.APIKey = strings.TrimSpace(c.Catalog.APIKey)
	if c.Catalog.APIKey == "" {
		c.Catalog.APIKey = strings.TrimSpace(os.Getenv(envCatalogAPIKey))
	}
	c.Catalog.BurnerID = strings.TrimSpace(c.Catalog.BurnerID)
	if c.Catalog.BurnerID == "" {
		c.Catalog.BurnerID = strings.TrimSpace(os.Getenv(envCatalogBurnerID))
	}
	if c.Catalog.TimeoutSeconds <= 0 {
		c.Catalog.TimeoutSeconds = defaultCatalogTimeout
	}
	if c.Catalog.RetryAttempts <= 0 {
		c.Catalog.RetryAttempts = defaultCatalogRetryAttempts
	}
}

func (c *Config) normalizeRobot() error {
	c.Robot.Name = strings.TrimSpace(c.Robot.Name)
	if c.Robot.Name == "" {
		c.Robot.Name = defaultRobotName
	}
	templates := []struct {
		name  string
		value *string
	}{
		{"robot.control_template", &c.Robot.ControlTemplate},
		{"robot.data_template", &c.Robot.DataTemplate},
		{"robot.label_file", &c.Robot.LabelFile},
	}
	for _, tmpl := range templates {
		trimmed := strings.TrimSpace(*tmpl.value)
		if trimmed == "" {
			*tmpl.value = ""
			continue
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			return fmt.Errorf("%s: %w", tmpl.name, err)
		}
		*tmpl.value = expanded
	}
	return nil
}

func (c *Config) normalizeJobs() {
	if c.Jobs.MonitorInterval <= 0 {
		c.Jobs.MonitorInterval = defaultMonitorInterval
	}
	if c.Jobs.TickInterval <= 0 {
		c.Jobs.TickInterval = defaultTickInterval
	}
	if c.Jobs.BurnerTimeout <= 0 {
		c.Jobs.BurnerTimeout = defaultBurnerTimeout
	}
	if c.Jobs.RetentionDays <= 0 {
		c.Jobs.RetentionDays = defaultJobRetentionDays
	}
	if c.Jobs.SubscriberBuffer <= 0 {
		c.Jobs.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Jobs.MaxRetries < 0 {
		c.Jobs.MaxRetries = 0
	}
}

func (c *Config) normalizeMaintenance() {
	if c.Maintenance.DownloadCleanupHours <= 0 {
		c.Maintenance.DownloadCleanupHours = defaultDownloadCleanupHours
	}
	if c.Maintenance.DownloadMaxAgeHours <= 0 {
		c.Maintenance.DownloadMaxAgeHours = defaultDownloadMaxAgeHours
	}
	if c.Maintenance.DatabaseHours <= 0 {
		c.Maintenance.DatabaseHours = defaultDatabaseHours
	}
	if c.Maintenance.BackupCount <= 0 {
		c.Maintenance.BackupCount = defaultBackupCount
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "text":
		c.Logging.Format = "console"
	case "json":
		c.Logging.Format = "json"
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	if level == "warning" {
		level = "warn"
	}
	c.Logging.Level = level
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		c.Notifications.NtfyTopic = strings.TrimSpace(os.Getenv(envNtfyTopic))
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}
