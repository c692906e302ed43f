package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/schedule"
)

// serviceConfig is the creditledger service configuration: the ledger
// config plus the deployment wiring. Connection strings may be overridden
// from the environment.
type serviceConfig struct {
	creditledger.Config `yaml:",inline"`

	Storage   storageConfig   `yaml:"storage"`
	Fallback  fallbackConfig  `yaml:"fallback"`
	TxLog     txlogConfig     `yaml:"txlog"`
	Reconcile reconcileConfig `yaml:"reconcile"`
	Schedule  scheduleConfig  `yaml:"schedule"`
	HTTP      httpConfig      `yaml:"http"`
	Log       logConfig       `yaml:"log"`
}

type storageConfig struct {
	Backend     string `yaml:"backend" env:"CREDITLEDGER_STORAGE"` // memory, redis, postgres
	RedisURL    string `yaml:"redis_url" env:"CREDITLEDGER_REDIS_URL"`
	PostgresDSN string `yaml:"postgres_dsn" env:"CREDITLEDGER_DATABASE_URL"`
	KeyPrefix   string `yaml:"key_prefix"`
}

type fallbackConfig struct {
	Path string `yaml:"path" env:"CREDITLEDGER_FALLBACK_PATH"` // SQLite file; empty keeps it in memory
}

type txlogConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite, postgres
	Path    string `yaml:"path" env:"CREDITLEDGER_TXLOG_PATH"`
}

type reconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	RateLimit   float64       `yaml:"rate_limit"` // replays per second, 0 = unlimited
}

type scheduleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Spec    string `yaml:"spec"`
}

type httpConfig struct {
	Addr  string `yaml:"addr" env:"CREDITLEDGER_HTTP_ADDR"`
	RPS   int    `yaml:"rps"`
	Burst int    `yaml:"burst"`
}

type logConfig struct {
	Level      string `yaml:"level" env:"CREDITLEDGER_LOG_LEVEL"`
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file" env:"CREDITLEDGER_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// loadServiceConfig reads path, loads a .env file if one is present and
// applies environment overrides.
func loadServiceConfig(path string) (serviceConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return serviceConfig{}, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parseServiceConfig(data)
}

func parseServiceConfig(data []byte) (serviceConfig, error) {
	var cfg serviceConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return serviceConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return serviceConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c *serviceConfig) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.TxLog.Backend == "" {
		c.TxLog.Backend = "memory"
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = 30 * time.Second
	}
	if c.Schedule.Spec == "" {
		c.Schedule.Spec = schedule.DefaultSpec
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
}

func (c serviceConfig) validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("config: storage.redis_url is required for the redis backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.TxLog.Backend {
	case "memory":
	case "sqlite":
		if c.TxLog.Path == "" {
			return fmt.Errorf("config: txlog.path is required for the sqlite log")
		}
	case "postgres":
		if c.Storage.Backend != "postgres" {
			return fmt.Errorf("config: the postgres txlog requires postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown txlog.backend %q", c.TxLog.Backend)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
