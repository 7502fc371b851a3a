package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DownloadsDir string `toml:"downloads_dir"`
	ControlDir   string `toml:"control_dir"`
	CompletedDir string `toml:"completed_dir"`
	TempDir      string `toml:"temp_dir"`
	LogDir       string `toml:"log_dir"`
	DatabasePath string `toml:"database_path"`
	APIBind      string `toml:"api_bind"`
	APIToken     string `toml:"api_token"`
}

// Catalog contains the remote image catalog (GraphQL) connection settings.
type Catalog struct {
	Endpoint       string `toml:"endpoint"`
	APIKey         string `toml:"api_key"`
	BurnerID       string `toml:"burner_id"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RetryAttempts  int    `toml:"retry_attempts"`
}

// Robot describes the burning robot and the templates used to drive it.
type Robot struct {
	Name            string `toml:"name"`
	ControlTemplate string `toml:"control_template"`
	DataTemplate    string `toml:"data_template"`
	LabelFile       string `toml:"label_file"`
}

// Jobs contains job queue and scheduler timing.
type Jobs struct {
	MaxConcurrent    int  `toml:"max_concurrent"`
	CheckInterval    int  `toml:"check_interval"`
	MaxRetries       int  `toml:"max_retries"`
	RetryFailed      bool `toml:"retry_failed"`
	BurnerTimeout    int  `toml:"burner_timeout"`
	MonitorInterval  int  `toml:"monitor_interval"`
	TickInterval     int  `toml:"tick_interval"`
	RetentionDays    int  `toml:"retention_days"`
	Workers          int  `toml:"workers"`
	SubscriberBuffer int  `toml:"subscriber_buffer"`
	ArchiveCompleted bool `toml:"archive_completed"`
}

// Maintenance contains periodic housekeeping intervals.
type Maintenance struct {
	DownloadCleanupHours int `toml:"download_cleanup_hours"`
	DownloadMaxAgeHours  int `toml:"download_max_age_hours"`
	DatabaseHours        int `toml:"database_hours"`
	BackupCount          int `toml:"backup_count"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
}

// Config encapsulates all configuration values for discburner.
//
// Configuration sections by subsystem:
//   - Paths: working folders, database location and API bind address
//   - Catalog: remote catalog endpoint and credentials
//   - Robot: burner identity and control file templates
//   - Jobs: admission limit, polling and retry behaviour
//   - Maintenance: cleanup and backup cadence
//   - Logging: log format, level, and retention
//   - Notifications: ntfy push notification settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Catalog       Catalog       `toml:"catalog"`
	Robot         Robot         `toml:"robot"`
	Jobs          Jobs          `toml:"jobs"`
	Maintenance   Maintenance   `toml:"maintenance"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file next to the config file (or in the
// working directory) is loaded before environment fallbacks are applied; variables already
// present in the environment win.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadDotEnv(resolvedPath)

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		// godotenv.Load never overrides variables that are already set.
		_ = godotenv.Load(candidate)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("discburner.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the working folders the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.DownloadsDir,
		c.Paths.ControlDir,
		c.Paths.CompletedDir,
		c.Paths.TempDir,
		c.Paths.LogDir,
		filepath.Dir(c.Paths.DatabasePath),
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CheckInterval returns the catalog polling interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Jobs.CheckInterval) * time.Second
}

// TickInterval returns the scheduler loop interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Jobs.TickInterval) * time.Second
}

// MonitorInterval returns the marker polling interval for burning jobs.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Jobs.MonitorInterval) * time.Second
}

// BurnerTimeout returns how long a job may stay in the burning state.
func (c *Config) BurnerTimeout() time.Duration {
	return time.Duration(c.Jobs.BurnerTimeout) * time.Minute
}

// Retention returns the age after which finished jobs are purged.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionDays) * 24 * time.Hour
}

// WorkerSlots returns the number of concurrent stage handlers. Zero in the
// file means max_concurrent plus headroom for control file generation.
func (c *Config) WorkerSlots() int {
	if c.Jobs.Workers > 0 {
		return c.Jobs.Workers
	}
	return c.Jobs.MaxConcurrent + 2
}

// CatalogTimeout returns the per-request timeout for catalog calls.
func (c *Config) CatalogTimeout() time.Duration {
	return time.Duration(c.Catalog.TimeoutSeconds) * time.Second
}

// CatalogConfigured reports whether remote polling can run.
func (c *Config) CatalogConfigured() bool {
	return strings.TrimSpace(c.Catalog.Endpoint) != "" && strings.TrimSpace(c.Catalog.BurnerID) != ""
}

// LockPath returns the daemon single-instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "discburnerd.lock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.LogDir, "discburnerd.pid")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
