// Package config loads and validates rexml configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Feed      FeedConfig      `mapstructure:"feed"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	DB        DBConfig        `mapstructure:"db"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// FeedConfig controls the public feed listener and document shape.
type FeedConfig struct {
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
	Limit   int    `mapstructure:"limit"`
}

// AdminConfig controls the registration listener.
type AdminConfig struct {
	Port int        `mapstructure:"port"`
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs scan cycles.
type SchedulerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

// UpstreamConfig configures the listing API client.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PageLimit         int           `mapstructure:"page_limit"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// NotifyConfig selects where threshold crossings are published.
type NotifyConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ExportConfig selects where rendered feeds are mirrored after each cycle.
type ExportConfig struct {
	Backend string            `mapstructure:"backend"`
	Prefix  string            `mapstructure:"prefix"`
	Local   LocalExportConfig `mapstructure:"local"`
	GCS     GCSExportConfig   `mapstructure:"gcs"`
}

// LocalExportConfig points at a directory on disk.
type LocalExportConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSExportConfig names the destination bucket and object cache lifetime.
type GCSExportConfig struct {
	Bucket      string        `mapstructure:"bucket"`
	CacheMaxAge time.Duration `mapstructure:"cache_max_age"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

var validPrefix = regexp.MustCompile(`^[A-Za-z0-9_\-/]*$`)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REXML")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// REXML_DB_URL predates the structured keys and is still honored.
	if err := v.BindEnv("db.dsn", "REXML_DB_DSN", "REXML_DB_URL"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("rexml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rexml/")
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
	cfg.DB.DSN = strings.TrimPrefix(cfg.DB.DSN, "sqlite://")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.port", 4328)
	v.SetDefault("feed.base_url", "http://rexml.mattjhall.xyz")
	v.SetDefault("feed.limit", 50)
	v.SetDefault("admin.port", 4329)
	v.SetDefault("admin.auth.enabled", false)
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.concurrency", 0)
	v.SetDefault("upstream.base_url", "https://reddit.com")
	v.SetDefault("upstream.user_agent", "rexml/0.1")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.page_limit", 0)
	v.SetDefault("upstream.requests_per_second", 1.0)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "rexml.db")
	v.SetDefault("db.max_conns", 1)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("export.backend", "none")
	v.SetDefault("export.prefix", "feeds")
	v.SetDefault("export.gcs.cache_max_age", "0s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Feed.Port <= 0 {
		return fmt.Errorf("feed.port must be > 0")
	}
	if c.Admin.Port <= 0 {
		return fmt.Errorf("admin.port must be > 0")
	}
	if c.Feed.Port == c.Admin.Port {
		return fmt.Errorf("feed.port and admin.port must differ")
	}
	if c.Feed.Limit <= 0 {
		return fmt.Errorf("feed.limit must be > 0")
	}
	if c.Admin.Auth.Enabled && c.Admin.Auth.APIKey == "" {
		return fmt.Errorf("admin.auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("scheduler.concurrency must be >= 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if c.Upstream.PageLimit < 0 || c.Upstream.PageLimit > 100 {
		return fmt.Errorf("upstream.page_limit must be between 0 and 100")
	}
	if err := c.DB.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return c.Export.validate()
}

func (c DBConfig) validate() error {
	switch c.Driver {
	case "sqlite", "postgres":
		if c.DSN == "" {
			return fmt.Errorf("db.dsn is required for driver %q", c.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.Driver)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("db.max_conns must be >= 0")
	}
	return nil
}

func (c NotifyConfig) validate() error {
	switch c.Backend {
	case "none", "memory":
		return nil
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic are required")
		}
		return nil
	default:
		return fmt.Errorf("unknown notify.backend %q", c.Backend)
	}
}

func (c ExportConfig) validate() error {
	if !validPrefix.MatchString(c.Prefix) {
		return fmt.Errorf("export.prefix %q contains invalid characters", c.Prefix)
	}
	switch c.Backend {
	case "none":
		return nil
	case "local":
		if c.Local.BaseDir == "" {
			return fmt.Errorf("export.local.base_dir is required")
		}
		return nil
	case "gcs":
		if c.GCS.Bucket == "" {
			return fmt.Errorf("export.gcs.bucket is required")
		}
		if c.GCS.CacheMaxAge < 0 {
			return fmt.Errorf("export.gcs.cache_max_age must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("unknown export.backend %q", c.Backend)
	}
}
