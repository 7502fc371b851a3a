package testsupport

import (
	"path/filepath"
	"testing"

	"discburner/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DownloadsDir = filepath.Join(base, "downloads")
	cfgVal.Paths.ControlDir = filepath.Join(base, "control")
	cfgVal.Paths.CompletedDir = filepath.Join(base, "completed")
	cfgVal.Paths.TempDir = filepath.Join(base, "tmp")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DatabasePath = filepath.Join(base, "data", "discburner.db")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Jobs.MonitorInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithCatalog points the config at a catalog endpoint, typically an
// httptest server URL.
func WithCatalog(endpoint, apiKey, burnerID string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Catalog.Endpoint = endpoint
		b.cfg.Catalog.APIKey = apiKey
		b.cfg.Catalog.BurnerID = burnerID
		b.cfg.Catalog.RetryAttempts = 1
	}
}

// WithMaxConcurrent overrides the admission limit.
func WithMaxConcurrent(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Jobs.MaxConcurrent = n
	}
}

// WithNtfyTopic enables push notifications against the given topic URL.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DownloadsDir)
}
