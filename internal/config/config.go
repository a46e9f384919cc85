// Package config loads and validates catalog service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Search   SearchConfig   `mapstructure:"search"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	RequestTimeoutSecs int `mapstructure:"request_timeout_seconds"`
	Workers            int `mapstructure:"workers"`
	QueueDepth         int `mapstructure:"queue_depth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SearchConfig points the client at the upstream index.
type SearchConfig struct {
	AppID           string  `mapstructure:"app_id"`
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	IndexName       string  `mapstructure:"index_name"`
	StoreAttribute  string  `mapstructure:"store_attribute"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	MaxConnsPerHost int     `mapstructure:"max_conns_per_host"`
	MaxQPS          float64 `mapstructure:"max_qps"`
}

// EngineConfig sizes the fetch engine and its retry budget.
type EngineConfig struct {
	BurstWorkers        int `mapstructure:"burst_workers"`
	OutputBuffer        int `mapstructure:"output_buffer"`
	HardCap             int `mapstructure:"hard_cap"`
	MaxPlanIterations   int `mapstructure:"max_plan_iterations"`
	MaxTransientRetries int `mapstructure:"max_transient_retries"`
	BackoffInitialMs    int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int `mapstructure:"backoff_max_ms"`
}

// PlannerConfig overrides the facet lists used to pick split dimensions.
type PlannerConfig struct {
	PriorityAttributes []string `mapstructure:"priority_attributes"`
	SkipAttributes     []string `mapstructure:"skip_attributes"`
	FirstPassMaxValues int      `mapstructure:"first_pass_max_values"`
}

// RefreshConfig holds the store list for one-shot refreshes.
type RefreshConfig struct {
	Stores         []string      `mapstructure:"stores"`
	TargetDuration time.Duration `mapstructure:"target_duration"`
}

// StorageConfig selects the catalog writer.
type StorageConfig struct {
	Provider string         `mapstructure:"provider"`
	BaseDir  string         `mapstructure:"base_dir"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// GCSConfig configures the bucket writer.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresConfig controls the Postgres writer pool.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	ItemsTable   string `mapstructure:"items_table"`
	RefreshTable string `mapstructure:"refresh_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for refresh notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig sizes the progress hub and toggles its sinks.
type ProgressConfig struct {
	LogEvents      bool `mapstructure:"log_events"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Storage providers.
const (
	StorageMemory   = "memory"
	StorageSnapshot = "snapshot"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageGCS      = "gcs"
)

// Load builds a Config from disk/environment. With an empty path it looks for
// catalog.{yaml,json,toml} in the working directory, /etc/catalog and
// $HOME/.catalog; a missing file there is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("catalog")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/catalog/")
		v.AddConfigPath("$HOME/.catalog")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so AutomaticEnv can override it on Unmarshal.
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.workers", 1)
	v.SetDefault("server.queue_depth", 16)
	v.SetDefault("search.app_id", "")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.base_url", "")
	v.SetDefault("search.index_name", "products")
	v.SetDefault("search.store_attribute", "storeNumber")
	v.SetDefault("search.timeout_seconds", 30)
	v.SetDefault("search.max_conns_per_host", 64)
	v.SetDefault("search.max_qps", 0)
	v.SetDefault("engine.burst_workers", 2000)
	v.SetDefault("engine.output_buffer", 256)
	v.SetDefault("engine.hard_cap", 1000)
	v.SetDefault("engine.max_plan_iterations", 500)
	v.SetDefault("engine.max_transient_retries", 5)
	v.SetDefault("engine.backoff_initial_ms", 1000)
	v.SetDefault("engine.backoff_max_ms", 30000)
	v.SetDefault("planner.priority_attributes", []string{})
	v.SetDefault("planner.first_pass_max_values", 30)
	v.SetDefault("refresh.stores", []string{})
	v.SetDefault("refresh.target_duration", "0s")
	v.SetDefault("storage.provider", StorageMemory)
	v.SetDefault("storage.base_dir", "data/catalogs")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "catalogs")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.postgres.items_table", "catalog_items")
	v.SetDefault("storage.postgres.refresh_table", "catalog_refreshes")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "catalog.refreshed")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Search.IndexName == "" {
		return errors.New("search.index_name is required")
	}
	if c.Search.StoreAttribute == "" {
		return errors.New("search.store_attribute is required")
	}
	if c.Search.TimeoutSeconds <= 0 {
		return errors.New("search.timeout_seconds must be > 0")
	}
	if c.Search.MaxQPS < 0 {
		return errors.New("search.max_qps must be >= 0")
	}
	if c.Engine.BurstWorkers <= 0 {
		return errors.New("engine.burst_workers must be > 0")
	}
	if c.Engine.OutputBuffer <= 0 {
		return errors.New("engine.output_buffer must be > 0")
	}
	if c.Engine.HardCap <= 0 {
		return errors.New("engine.hard_cap must be > 0")
	}
	if c.Engine.MaxTransientRetries < 0 {
		return errors.New("engine.max_transient_retries must be >= 0")
	}
	if c.Engine.BackoffInitialMs <= 0 || c.Engine.BackoffMaxMs < c.Engine.BackoffInitialMs {
		return errors.New("engine backoff must satisfy 0 < backoff_initial_ms <= backoff_max_ms")
	}
	if c.Refresh.TargetDuration < 0 {
		return errors.New("refresh.target_duration must be >= 0")
	}
	return c.Storage.validate()
}

func (s StorageConfig) validate() error {
	switch s.Provider {
	case StorageMemory:
	case StorageSnapshot, StorageSQLite:
		if s.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for %s", s.Provider)
		}
	case StoragePostgres:
		if s.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for postgres")
		}
	case StorageGCS:
		if s.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required for gcs")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", s.Provider)
	}
	return nil
}

// SearchTimeout returns the per-request upstream timeout.
func (c Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.Engine.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Engine.BackoffMaxMs) * time.Millisecond
}

// RequestTimeout bounds API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}
