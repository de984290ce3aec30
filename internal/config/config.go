// Package config loads sync worker configuration from SYNC_* environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/engine"
	"github.com/nucleus/sync-core/internal/retl"
	"github.com/nucleus/sync-core/internal/stage"
	"github.com/nucleus/sync-core/internal/strategy"
	"github.com/nucleus/sync-core/internal/warehouse"
)

// EnvPrefix prefixes every environment override, e.g. SYNC_CRM_ACCESS_TOKEN.
const EnvPrefix = "SYNC"

// Config is the full worker configuration.
type Config struct {
	Log       LogConfig            `mapstructure:"log"`
	CRM       CRMConfig            `mapstructure:"crm"`
	Warehouse WarehouseConfig      `mapstructure:"warehouse"`
	Stage     StageConfig          `mapstructure:"stage"`
	Strategy  StrategyConfig       `mapstructure:"strategy"`
	Poll      PollConfig           `mapstructure:"poll"`
	History   HistoryConfig        `mapstructure:"history"`
	Objects   []engine.SyncRequest `mapstructure:"objects"`
	Push      []retl.PushRequest   `mapstructure:"push"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// CRMConfig holds the instance and token. Obtaining the token is out of
// scope.
type CRMConfig struct {
	InstanceURL string  `mapstructure:"instance_url"`
	AccessToken string  `mapstructure:"access_token"`
	APIVersion  string  `mapstructure:"api_version"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	MaxRetries  int     `mapstructure:"max_retries"`
}

type WarehouseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// StageConfig selects the object store. An empty endpoint with a local
// root stages to the filesystem; both empty disables staging.
type StageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	LocalRoot string `mapstructure:"local_root"`
}

type StrategyConfig struct {
	BulkThreshold       int64 `mapstructure:"bulk_threshold"`
	StagingThreshold    int64 `mapstructure:"staging_threshold"`
	FullFallback        int64 `mapstructure:"full_fallback"`
	IncrementalFallback int64 `mapstructure:"incremental_fallback"`
	DirectBatchSize     int   `mapstructure:"direct_batch_size"`
	BulkMaxRecords      int   `mapstructure:"bulk_max_records"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Schema  string `mapstructure:"schema"`
}

func setDefaults(v *viper.Viper) {
	t := strategy.DefaultThresholds()
	opts := engine.DefaultOptions()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("crm.instance_url", "")
	v.SetDefault("crm.access_token", "")
	v.SetDefault("crm.api_version", "")
	v.SetDefault("crm.rate_limit", 10.0)
	v.SetDefault("crm.max_retries", 3)
	v.SetDefault("warehouse.driver", "pgx")
	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("warehouse.max_open_conns", 25)
	v.SetDefault("warehouse.max_idle_conns", 5)
	v.SetDefault("warehouse.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("warehouse.batch_size", 1000)
	v.SetDefault("stage.endpoint", "")
	v.SetDefault("stage.access_key", "")
	v.SetDefault("stage.secret_key", "")
	v.SetDefault("stage.region", "")
	v.SetDefault("stage.use_ssl", false)
	v.SetDefault("stage.local_root", "")
	v.SetDefault("strategy.bulk_threshold", t.Bulk)
	v.SetDefault("strategy.staging_threshold", t.Staging)
	v.SetDefault("strategy.full_fallback", t.FullFallback)
	v.SetDefault("strategy.incremental_fallback", t.IncrementalFallback)
	v.SetDefault("strategy.direct_batch_size", opts.DirectBatchSize)
	v.SetDefault("strategy.bulk_max_records", 0)
	v.SetDefault("poll.interval", bulk.DefaultPollInterval)
	v.SetDefault("poll.max_wait", time.Duration(0))
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.schema", retl.DefaultHistorySchema)
}

// Load reads defaults, then the YAML file at path (if non-empty), then
// SYNC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings a worker cannot run without.
func (c *Config) Validate() error {
	if c.CRM.InstanceURL == "" {
		return fmt.Errorf("crm.instance_url is required")
	}
	if c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required")
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	for i, obj := range c.Objects {
		if obj.ObjectName == "" || obj.TargetTable == "" {
			return fmt.Errorf("objects[%d]: object and table are required", i)
		}
		if obj.UseStaging && obj.StagingLocation == "" {
			return fmt.Errorf("objects[%d]: staging_location is required with use_staging", i)
		}
	}
	for i, p := range c.Push {
		if !p.Operation.IsIngest() {
			return fmt.Errorf("push[%d]: unsupported operation %q", i, p.Operation)
		}
		if p.Operation == bulk.OpUpsert && p.MatchField == "" {
			return fmt.Errorf("push[%d]: upsert requires match_field", i)
		}
	}
	return nil
}

// Thresholds returns the strategy cut-offs.
func (c *Config) Thresholds() strategy.Thresholds {
	return strategy.Thresholds{
		Bulk:                c.Strategy.BulkThreshold,
		Staging:             c.Strategy.StagingThreshold,
		FullFallback:        c.Strategy.FullFallback,
		IncrementalFallback: c.Strategy.IncrementalFallback,
	}
}

// EngineOptions maps the configuration onto engine options.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Thresholds = c.Thresholds()
	opts.Poll = c.BulkPoll()
	opts.DirectBatchSize = c.Strategy.DirectBatchSize
	opts.BulkMaxRecords = c.Strategy.BulkMaxRecords
	return opts
}

func (c *Config) BulkPoll() bulk.PollConfig {
	return bulk.PollConfig{Interval: c.Poll.Interval, MaxWait: c.Poll.MaxWait}
}

// WarehouseSettings maps onto the Postgres connector settings.
func (c *Config) WarehouseSettings() warehouse.Config {
	w := c.Warehouse
	return warehouse.Config{
		Driver:          w.Driver,
		DSN:             w.DSN,
		MaxOpenConns:    w.MaxOpenConns,
		MaxIdleConns:    w.MaxIdleConns,
		ConnMaxLifetime: w.ConnMaxLifetime,
		BatchSize:       w.BatchSize,
	}
}

// ObjectStore builds the configured staging store, or nil when staging is
// not configured.
func (c *Config) ObjectStore() (stage.ObjectStore, error) {
	s := c.Stage
	switch {
	case s.Endpoint != "":
		return stage.NewS3Store(stage.S3Config{
			EndpointURL:     s.Endpoint,
			AccessKeyID:     s.AccessKey,
			SecretAccessKey: s.SecretKey,
			Region:          s.Region,
			UseSSL:          s.UseSSL,
		})
	case s.LocalRoot != "":
		return stage.NewLocalStore(s.LocalRoot), nil
	default:
		return nil, nil
	}
}
