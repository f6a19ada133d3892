// Package config loads and validates tabclip configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/tabclip/internal/bypass"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`
	Bypass   BypassConfig   `mapstructure:"bypass" yaml:"bypass"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	KV       KVConfig       `mapstructure:"kv" yaml:"kv"`
	PubSub   PubSubConfig   `mapstructure:"pubsub" yaml:"pubsub"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MessageTimeout  time.Duration `mapstructure:"message_timeout" yaml:"message_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
}

// LimitsConfig sizes the sliding-window limiters.
type LimitsConfig struct {
	BulkMaxRequests int           `mapstructure:"bulk_max_requests" yaml:"bulk_max_requests"`
	BulkWindow      time.Duration `mapstructure:"bulk_window" yaml:"bulk_window"`
	SyncMaxRequests int           `mapstructure:"sync_max_requests" yaml:"sync_max_requests"`
	SyncWindow      time.Duration `mapstructure:"sync_window" yaml:"sync_window"`
}

// TimeoutsConfig bounds every external wait.
type TimeoutsConfig struct {
	Extraction     time.Duration `mapstructure:"extraction" yaml:"extraction"`
	Perplexity     time.Duration `mapstructure:"perplexity" yaml:"perplexity"`
	ArchiveLoad    time.Duration `mapstructure:"archive_load" yaml:"archive_load"`
	ArchivePoll    time.Duration `mapstructure:"archive_poll" yaml:"archive_poll"`
	ArchiveCaptcha time.Duration `mapstructure:"archive_captcha" yaml:"archive_captcha"`
	BypassSettle   time.Duration `mapstructure:"bypass_settle" yaml:"bypass_settle"`
	BookmarkScrape time.Duration `mapstructure:"bookmark_scrape" yaml:"bookmark_scrape"`
}

// ArchiveConfig points at the archive service.
type ArchiveConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	ProbeEnabled bool   `mapstructure:"probe_enabled" yaml:"probe_enabled"`
	UserAgent    string `mapstructure:"user_agent" yaml:"user_agent"`
}

// BypassConfig lists the ordered bypass services.
type BypassConfig struct {
	Services []bypass.Service `mapstructure:"services" yaml:"services"`
}

// StorageConfig selects where Markdown artifacts are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	BaseDir   string `mapstructure:"base_dir" yaml:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
}

// KVConfig selects the settings/history store.
type KVConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Table    string `mapstructure:"table" yaml:"table"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicName string `mapstructure:"topic_name" yaml:"topic_name"`
}

// BrowserConfig configures the Chrome driver.
type BrowserConfig struct {
	RemoteURL       string        `mapstructure:"remote_url" yaml:"remote_url"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	MaxParallel     int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	HostQPS         float64       `mapstructure:"host_qps" yaml:"host_qps"`
	BookmarkScrolls int           `mapstructure:"bookmark_scrolls" yaml:"bookmark_scrolls"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize  int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxBatch    int           `mapstructure:"max_batch" yaml:"max_batch"`
	MaxWait     time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout" yaml:"sink_timeout"`
	LogEvents   bool          `mapstructure:"log_events" yaml:"log_events"`
	Broadcast   int           `mapstructure:"broadcast_buffer" yaml:"broadcast_buffer"`
}

// SyncConfig toggles the bookmark auto-sync scheduler.
type SyncConfig struct {
	Scheduler bool `mapstructure:"scheduler" yaml:"scheduler"`
}

// Storage and KV backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TABCLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Bypass.Services) == 0 {
		cfg.Bypass.Services = append([]bypass.Service(nil), bypass.DefaultServices...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.message_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("limits.bulk_max_requests", 3)
	v.SetDefault("limits.bulk_window", "1s")
	v.SetDefault("limits.sync_max_requests", 5)
	v.SetDefault("limits.sync_window", "1s")
	v.SetDefault("timeouts.extraction", "30s")
	v.SetDefault("timeouts.perplexity", "12s")
	v.SetDefault("timeouts.archive_load", "3s")
	v.SetDefault("timeouts.archive_poll", "3m")
	v.SetDefault("timeouts.archive_captcha", "2m")
	v.SetDefault("timeouts.bypass_settle", "5s")
	v.SetDefault("timeouts.bookmark_scrape", "2m")
	v.SetDefault("archive.base_url", "https://archive.ph")
	v.SetDefault("archive.probe_enabled", true)
	v.SetDefault("archive.user_agent", "tabclip/0.1")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "clips")
	v.SetDefault("kv.backend", BackendMemory)
	v.SetDefault("kv.table", "tabclip_kv")
	v.SetDefault("kv.max_conns", 4)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "45s")
	v.SetDefault("browser.max_parallel", 4)
	v.SetDefault("browser.bookmark_scrolls", 5)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch", 64)
	v.SetDefault("progress.max_wait", "50ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.broadcast_buffer", 32)
	v.SetDefault("sync.scheduler", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Limits.BulkMaxRequests <= 0 || c.Limits.BulkWindow <= 0 {
		return fmt.Errorf("limits.bulk_max_requests and limits.bulk_window must be > 0")
	}
	if c.Limits.SyncMaxRequests <= 0 || c.Limits.SyncWindow <= 0 {
		return fmt.Errorf("limits.sync_max_requests and limits.sync_window must be > 0")
	}
	if c.Timeouts.Extraction <= 0 {
		return fmt.Errorf("timeouts.extraction must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.KV.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.KV.DSN == "" {
			return fmt.Errorf("kv.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("kv.backend %q is not one of memory, postgres", c.KV.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	for i, svc := range c.Bypass.Services {
		if svc.Name == "" || svc.Template == "" {
			return fmt.Errorf("bypass.services[%d] needs a name and template", i)
		}
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	return nil
}
