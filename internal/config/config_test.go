package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/tabclip/internal/bypass"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
limits:
  bulk_max_requests: 2
  bulk_window: 2s
timeouts:
  extraction: 10s
storage:
  backend: gcs
  gcs_bucket: clips-bucket
  prefix: md
kv:
  backend: postgres
  dsn: postgres://localhost/tabclip
pubsub:
  project_id: proj
  topic_name: clips
bypass:
  services:
    - name: mirror
      template: "https://mirror.example/{url}"
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Limits.BulkMaxRequests != 2 || cfg.Limits.BulkWindow != 2*time.Second {
		t.Fatalf("expected bulk limit overrides, got %+v", cfg.Limits)
	}
	if cfg.Timeouts.Extraction != 10*time.Second {
		t.Fatalf("expected extraction timeout 10s, got %v", cfg.Timeouts.Extraction)
	}
	if cfg.Storage.Backend != BackendGCS || cfg.Storage.GCSBucket != "clips-bucket" {
		t.Fatalf("expected gcs storage, got %+v", cfg.Storage)
	}
	if cfg.KV.Backend != BackendPostgres || cfg.KV.Table != "tabclip_kv" {
		t.Fatalf("expected postgres kv with default table, got %+v", cfg.KV)
	}
	if len(cfg.Bypass.Services) != 1 || cfg.Bypass.Services[0].Name != "mirror" {
		t.Fatalf("expected configured bypass services, got %+v", cfg.Bypass.Services)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Storage.Backend != BackendLocal || cfg.KV.Backend != BackendMemory {
		t.Fatalf("unexpected default backends: %+v %+v", cfg.Storage, cfg.KV)
	}
	if cfg.Limits.BulkMaxRequests != 3 || cfg.Limits.SyncMaxRequests != 5 {
		t.Fatalf("unexpected default limits: %+v", cfg.Limits)
	}
	if cfg.Timeouts.Perplexity != 12*time.Second || cfg.Timeouts.ArchivePoll != 3*time.Minute {
		t.Fatalf("unexpected default timeouts: %+v", cfg.Timeouts)
	}
	if len(cfg.Bypass.Services) != len(bypass.DefaultServices) {
		t.Fatalf("expected default bypass services, got %d", len(cfg.Bypass.Services))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TABCLIP_SERVER_PORT", "7070")
	t.Setenv("TABCLIP_STORAGE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected env storage backend, got %q", cfg.Storage.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Limits:   LimitsConfig{BulkMaxRequests: 3, BulkWindow: time.Second, SyncMaxRequests: 5, SyncWindow: time.Second},
		Timeouts: TimeoutsConfig{Extraction: time.Second},
		Storage:  StorageConfig{Backend: BackendMemory},
		KV:       KVConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{name: "invalid port", mod: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mod: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "bulk window", mod: func(c *Config) { c.Limits.BulkWindow = 0 }, want: "limits.bulk_max_requests"},
		{name: "sync max", mod: func(c *Config) { c.Limits.SyncMaxRequests = 0 }, want: "limits.sync_max_requests"},
		{name: "extraction timeout", mod: func(c *Config) { c.Timeouts.Extraction = 0 }, want: "timeouts.extraction"},
		{name: "local without dir", mod: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.base_dir"},
		{name: "gcs without bucket", mod: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs_bucket"},
		{name: "unknown storage", mod: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "postgres without dsn", mod: func(c *Config) { c.KV.Backend = BackendPostgres }, want: "kv.dsn"},
		{name: "unknown kv", mod: func(c *Config) { c.KV.Backend = "redis" }, want: "kv.backend"},
		{name: "topic without project", mod: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
		{name: "bypass without template", mod: func(c *Config) { c.Bypass.Services = []bypass.Service{{Name: "x"}} }, want: "bypass.services[0]"},
		{name: "negative parallel", mod: func(c *Config) { c.Browser.MaxParallel = -1 }, want: "browser.max_parallel"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mod(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
