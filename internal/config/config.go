// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment overrides, e.g.
// SCALPEL_FEEDS_DATABASE_URL.
const EnvPrefix = "SCALPEL_FEEDS"

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig          `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig        `mapstructure:"database" yaml:"database"`
	Graph     GraphConfig           `mapstructure:"graph" yaml:"graph"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler" yaml:"scheduler"`
	Network   NetworkConfig         `mapstructure:"network" yaml:"network"`
	Server    ServerConfig          `mapstructure:"server" yaml:"server"`
	Feeds     map[string]FeedConfig `mapstructure:"feeds" yaml:"feeds"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL selects
// the in-memory backends, which is only useful for one-shot runs and tests.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// GraphConfig tunes the observable and relationship stores.
type GraphConfig struct {
	// MaxUpdateRetries bounds the compare-and-set retry loop on version conflicts.
	MaxUpdateRetries int `mapstructure:"max_update_retries" yaml:"max_update_retries"`
}

// SchedulerConfig configures the feed scheduler.
type SchedulerConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	MaxConcurrentFeeds int           `mapstructure:"max_concurrent_feeds" yaml:"max_concurrent_feeds"`
	StateTimeout       time.Duration `mapstructure:"state_timeout" yaml:"state_timeout"`
}

// NetworkConfig tunes the transport used to fetch feed payloads.
type NetworkConfig struct {
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimitPerHost float64       `mapstructure:"rate_limit_per_host" yaml:"rate_limit_per_host"`
	IgnoreTLSErrors  bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2       bool          `mapstructure:"force_http2" yaml:"force_http2"`
}

// ServerConfig configures the status/metrics HTTP surface.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// FeedConfig lets operators disable a feed or override its source and cadence.
type FeedConfig struct {
	Disabled  bool          `mapstructure:"disabled" yaml:"disabled"`
	URL       string        `mapstructure:"url" yaml:"url"`
	Frequency time.Duration `mapstructure:"frequency" yaml:"frequency"`
}

// Feed returns the configuration for a feed. Feeds absent from the config
// run with their built in defaults.
func (c *Config) Feed(name string) FeedConfig {
	if fc, ok := c.Feeds[strings.ToLower(name)]; ok {
		return fc
	}
	return FeedConfig{}
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-feeds")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migrate_on_start", true)

	// -- Graph --
	v.SetDefault("graph.max_update_retries", 8)

	// -- Scheduler --
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.max_concurrent_feeds", 4)
	v.SetDefault("scheduler.state_timeout", "15s")

	// -- Network --
	v.SetDefault("network.fetch_timeout", "60s")
	v.SetDefault("network.user_agent", "scalpel-feeds/1.0")
	v.SetDefault("network.max_body_bytes", 64<<20)
	v.SetDefault("network.rate_limit_per_host", 1.0)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)

	// -- Server --
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", "127.0.0.1:9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be a positive duration")
	}
	if c.Scheduler.MaxConcurrentFeeds <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_feeds must be a positive integer")
	}
	if c.Network.FetchTimeout <= 0 {
		return fmt.Errorf("network.fetch_timeout must be a positive duration")
	}
	if c.Network.MaxBodyBytes <= 0 {
		return fmt.Errorf("network.max_body_bytes must be a positive integer")
	}
	if c.Graph.MaxUpdateRetries <= 0 {
		return fmt.Errorf("graph.max_update_retries must be a positive integer")
	}
	for name, fc := range c.Feeds {
		if err := fc.Validate(); err != nil {
			return fmt.Errorf("feeds.%s configuration invalid: %w", name, err)
		}
	}
	return nil
}

// Validate checks a single feed override.
func (f *FeedConfig) Validate() error {
	if f.Frequency < 0 {
		return fmt.Errorf("frequency must not be negative")
	}
	if f.URL != "" && !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
		return fmt.Errorf("url must be an http(s) URL")
	}
	return nil
}
