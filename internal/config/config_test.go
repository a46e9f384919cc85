package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
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
search:
  app_id: APP123
  api_key: search-key
  index_name: prod_products
  store_attribute: storeId
  timeout_seconds: 10
  max_qps: 25
engine:
  burst_workers: 500
  output_buffer: 64
  max_transient_retries: 3
  backoff_initial_ms: 500
  backoff_max_ms: 4000
planner:
  priority_attributes: ["department", "inStock"]
  skip_attributes: ["objectID"]
refresh:
  stores: ["30", "40"]
  target_duration: 2h
storage:
  provider: sqlite
  base_dir: /var/lib/catalogs
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.Workers != 1 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Search.AppID != "APP123" || cfg.Search.StoreAttribute != "storeId" || cfg.Search.MaxQPS != 25 {
		t.Fatalf("expected search overrides to apply: %+v", cfg.Search)
	}
	if cfg.Engine.BurstWorkers != 500 || cfg.Engine.HardCap != 1000 {
		t.Fatalf("expected engine overrides merged with defaults: %+v", cfg.Engine)
	}
	if len(cfg.Planner.PriorityAttributes) != 2 || cfg.Planner.FirstPassMaxValues != 30 {
		t.Fatalf("unexpected planner config: %+v", cfg.Planner)
	}
	if len(cfg.Refresh.Stores) != 2 || cfg.Refresh.TargetDuration != 2*time.Hour {
		t.Fatalf("unexpected refresh config: %+v", cfg.Refresh)
	}
	if cfg.Storage.Provider != StorageSQLite || cfg.Storage.BaseDir != "/var/lib/catalogs" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Logging.Development {
		t.Fatal("expected logging.development=false")
	}
	initial, maxDelay := cfg.Backoff()
	if initial != 500*time.Millisecond || maxDelay != 4*time.Second {
		t.Fatalf("unexpected backoff %v/%v", initial, maxDelay)
	}
	if cfg.SearchTimeout() != 10*time.Second {
		t.Fatalf("unexpected search timeout %v", cfg.SearchTimeout())
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.BurstWorkers != 2000 || cfg.Engine.OutputBuffer != 256 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.MaxTransientRetries != 5 || cfg.Engine.BackoffInitialMs != 1000 || cfg.Engine.BackoffMaxMs != 30000 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Engine)
	}
	if cfg.Storage.Provider != StorageMemory {
		t.Fatalf("expected memory storage by default, got %q", cfg.Storage.Provider)
	}
	if cfg.PubSub.TopicName != "catalog.refreshed" {
		t.Fatalf("unexpected topic %q", cfg.PubSub.TopicName)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_SEARCH_APP_ID", "ENVAPP")
	t.Setenv("CATALOG_ENGINE_BURST_WORKERS", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Search.AppID != "ENVAPP" {
		t.Fatalf("expected env app id, got %q", cfg.Search.AppID)
	}
	if cfg.Engine.BurstWorkers != 12 {
		t.Fatalf("expected env burst workers, got %d", cfg.Engine.BurstWorkers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Search: SearchConfig{IndexName: "products", StoreAttribute: "storeNumber", TimeoutSeconds: 30},
			Engine: EngineConfig{
				BurstWorkers: 2000, OutputBuffer: 256, HardCap: 1000,
				MaxTransientRetries: 5, BackoffInitialMs: 1000, BackoffMaxMs: 30000,
			},
			Storage: StorageConfig{Provider: StorageMemory},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "auth key", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: "auth.api_key"},
		{name: "index", mutate: func(c *Config) { c.Search.IndexName = "" }, wantErr: "index_name"},
		{name: "buffer", mutate: func(c *Config) { c.Engine.OutputBuffer = 0 }, wantErr: "output_buffer"},
		{name: "backoff order", mutate: func(c *Config) { c.Engine.BackoffMaxMs = 10 }, wantErr: "backoff"},
		{name: "negative target", mutate: func(c *Config) { c.Refresh.TargetDuration = -time.Second }, wantErr: "target_duration"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Provider = "s3" }, wantErr: "unknown storage"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage.Provider = StoragePostgres }, wantErr: "dsn"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Provider = StorageGCS }, wantErr: "bucket"},
		{name: "snapshot dir", mutate: func(c *Config) { c.Storage.Provider = StorageSnapshot }, wantErr: "base_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
