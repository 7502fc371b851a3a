package config

const (
	defaultConfigPath           = "~/.config/discburner/config.toml"
	defaultDownloadsDir         = "~/.local/share/discburner/downloads"
	defaultControlDir           = "~/.local/share/discburner/control"
	defaultCompletedDir         = "~/.local/share/discburner/completed"
	defaultTempDir              = "~/.local/share/discburner/tmp"
	defaultLogDir               = "~/.local/share/discburner/logs"
	defaultDatabasePath         = "~/.local/share/discburner/discburner.db"
	defaultAPIBind              = "127.0.0.1:7587"
	defaultCatalogTimeout       = 30
	defaultCatalogRetryAttempts = 3
	defaultRobotName            = "EPSON_PP_100"
	defaultMaxConcurrent        = 3
	defaultCheckInterval        = 30
	minCheckInterval            = 10
	defaultMaxRetries           = 2
	defaultBurnerTimeout        = 60
	defaultMonitorInterval      = 10
	defaultTickInterval         = 10
	defaultJobRetentionDays     = 7
	defaultSubscriberBuffer     = 64
	defaultDownloadCleanupHours = 6
	defaultDownloadMaxAgeHours  = 24
	defaultDatabaseHours        = 24
	defaultBackupCount          = 5
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
	defaultNotifyRequestTimeout = 10
	envCatalogAPIKey            = "DISCBURNER_API_KEY"
	envCatalogEndpoint          = "DISCBURNER_API_ENDPOINT"
	envCatalogBurnerID          = "DISCBURNER_BURNER_ID"
	envNtfyTopic                = "DISCBURNER_NTFY_TOPIC"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DownloadsDir: defaultDownloadsDir,
			ControlDir:   defaultControlDir,
			CompletedDir: defaultCompletedDir,
			TempDir:      defaultTempDir,
			LogDir:       defaultLogDir,
			DatabasePath: defaultDatabasePath,
			APIBind:      defaultAPIBind,
		},
		Catalog: Catalog{
			TimeoutSeconds: defaultCatalogTimeout,
			RetryAttempts:  defaultCatalogRetryAttempts,
		},
		Robot: Robot{
			Name: defaultRobotName,
		},
		Jobs: Jobs{
			MaxConcurrent:    defaultMaxConcurrent,
			CheckInterval:    defaultCheckInterval,
			MaxRetries:       defaultMaxRetries,
			RetryFailed:      true,
			BurnerTimeout:    defaultBurnerTimeout,
			MonitorInterval:  defaultMonitorInterval,
			TickInterval:     defaultTickInterval,
			RetentionDays:    defaultJobRetentionDays,
			SubscriberBuffer: defaultSubscriberBuffer,
			ArchiveCompleted: true,
		},
		Maintenance: Maintenance{
			DownloadCleanupHours: defaultDownloadCleanupHours,
			DownloadMaxAgeHours:  defaultDownloadMaxAgeHours,
			DatabaseHours:        defaultDatabaseHours,
			BackupCount:          defaultBackupCount,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Completed:      true,
			Failed:         true,
		},
	}
}
