// Package config provides configuration management for hdsflv using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort            = 8080
	defaultServerTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultMaxOpenConns          = 25
	defaultMaxIdleConns          = 10
	defaultConnMaxIdleTime       = 30 * time.Minute
	defaultHTTPTimeout           = 30 * time.Second
	defaultRetryAttempts         = 3
	defaultRetryDelay            = 1 * time.Second
	defaultCircuitBreakerThresh  = 5
	defaultCircuitBreakerTimeout = 30 * time.Second
	defaultDownloadLeadtime      = 15 * time.Second
	defaultCachingDelay          = 3 * time.Second
	defaultMaxFragmentSize       = 50 * 1024 * 1024 // 50MiB
	defaultLivePollMinInterval   = 1 * time.Second
	defaultIdleStreamTimeout     = 10 * time.Minute
	defaultSweepInterval         = "*/5 * * * *"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	HDS      HDSConfig      `mapstructure:"hds"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig holds HTTP control-surface server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds diagnostics-store database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig holds outbound-fetch client configuration (manifests, bootstraps, fragments).
type HTTPConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	RetryAttempts           int           `mapstructure:"retry_attempts"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	UserAgent               string        `mapstructure:"user_agent"`
	// MaxFragmentSize caps a single downloaded fragment object.
	// Supports human-readable values like "50MB", or raw byte counts.
	MaxFragmentSize ByteSize `mapstructure:"max_fragment_size"`
}

// HDSConfig holds HDS fragment-timeline and pipeline tuning.
type HDSConfig struct {
	// DownloadLeadtime is how far ahead of the read position the VOD
	// download worker is allowed to prefetch chunks.
	DownloadLeadtime time.Duration `mapstructure:"download_leadtime"`
	// NetworkCachingDelay is reported to the host via Control() as PTSDelay.
	NetworkCachingDelay time.Duration `mapstructure:"network_caching_delay"`
	// LivePollMinInterval floors the live-refresh polling cadence, regardless
	// of how short the current fragment duration computes to.
	LivePollMinInterval time.Duration `mapstructure:"live_poll_min_interval"`
}

// RegistryConfig holds in-process stream-registry sweep configuration.
type RegistryConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepSchedule string        `mapstructure:"sweep_schedule"` // cron expression
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HDSFLV_ and use underscores for nesting.
// Example: HDSFLV_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hdsflv")
		v.AddConfigPath("$HOME/.hdsflv")
	}

	// Environment variable settings
	v.SetEnvPrefix("HDSFLV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "hdsflv-diagnostics.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// HTTP fetch defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("http.circuit_breaker_timeout", defaultCircuitBreakerTimeout)
	v.SetDefault("http.user_agent", "hdsflv/dev")
	v.SetDefault("http.max_fragment_size", defaultMaxFragmentSize)

	// HDS pipeline defaults
	v.SetDefault("hds.download_leadtime", defaultDownloadLeadtime)
	v.SetDefault("hds.network_caching_delay", defaultCachingDelay)
	v.SetDefault("hds.live_poll_min_interval", defaultLivePollMinInterval)

	// Registry defaults
	v.SetDefault("registry.idle_timeout", defaultIdleStreamTimeout)
	v.SetDefault("registry.sweep_schedule", defaultSweepInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// HTTP validation
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must be non-negative")
	}
	if c.HTTP.MaxFragmentSize <= 0 {
		return fmt.Errorf("http.max_fragment_size must be positive")
	}

	// HDS validation
	if c.HDS.DownloadLeadtime <= 0 {
		return fmt.Errorf("hds.download_leadtime must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
