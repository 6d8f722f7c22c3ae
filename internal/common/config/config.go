// Package config provides configuration management for the WAAAH server.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Seed      SeedConfig      `mapstructure:"seed"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite (default) or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-process event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SchedulerConfig holds the periodic tick configuration.
type SchedulerConfig struct {
	TickInterval        int `mapstructure:"tickInterval"`        // seconds between ticks
	AckTimeout          int `mapstructure:"ackTimeout"`          // seconds before PENDING_ACK expires
	LogRetentionDays    int `mapstructure:"logRetentionDays"`    // age-based log truncation
	WaiterDropThreshold int `mapstructure:"waiterDropThreshold"` // seconds before a stale waiting flag is swept
}

// PollingConfig holds long-poll timeout bounds.
type PollingConfig struct {
	DefaultTimeout    int `mapstructure:"defaultTimeout"`    // seconds
	MinTimeout        int `mapstructure:"minTimeout"`        // seconds
	MaxTimeout        int `mapstructure:"maxTimeout"`        // seconds
	HeartbeatDebounce int `mapstructure:"heartbeatDebounce"` // seconds between lastSeen writes
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SeedConfig points at the YAML agent declarations loaded on empty database.
type SeedConfig struct {
	AgentsFile string `mapstructure:"agentsFile"`
}

// TelemetryConfig holds tracing configuration. Tracing is a no-op unless an
// OTLP endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// TickIntervalDuration returns the tick interval as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// AckTimeoutDuration returns the PENDING_ACK expiry as a time.Duration.
func (s *SchedulerConfig) AckTimeoutDuration() time.Duration {
	return time.Duration(s.AckTimeout) * time.Second
}

// LogRetentionDuration returns the log retention as a time.Duration.
func (s *SchedulerConfig) LogRetentionDuration() time.Duration {
	return time.Duration(s.LogRetentionDays) * 24 * time.Hour
}

// WaiterDropDuration returns the stale-waiter threshold as a time.Duration.
func (s *SchedulerConfig) WaiterDropDuration() time.Duration {
	return time.Duration(s.WaiterDropThreshold) * time.Second
}

// HeartbeatDebounceDuration returns the lastSeen write debounce.
func (p *PollingConfig) HeartbeatDebounceDuration() time.Duration {
	return time.Duration(p.HeartbeatDebounce) * time.Second
}

// ClampTimeout bounds a caller-supplied timeout in seconds to the configured
// range, substituting the default when zero or negative.
func (p *PollingConfig) ClampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = p.DefaultTimeout
	}
	if seconds < p.MinTimeout {
		seconds = p.MinTimeout
	}
	if seconds > p.MaxTimeout {
		seconds = p.MaxTimeout
	}
	return time.Duration(seconds) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 3630) // above the max long-poll timeout
	v.SetDefault("server.writeTimeout", 3630)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "waaah-server")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("scheduler.tickInterval", 1)
	v.SetDefault("scheduler.ackTimeout", 30)
	v.SetDefault("scheduler.logRetentionDays", 7)
	v.SetDefault("scheduler.waiterDropThreshold", 3900)

	v.SetDefault("polling.defaultTimeout", 290)
	v.SetDefault("polling.minTimeout", 1)
	v.SetDefault("polling.maxTimeout", 3600)
	v.SetDefault("polling.heartbeatDebounce", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("seed.agentsFile", "")

	v.SetDefault("telemetry.otlpEndpoint", "")
	v.SetDefault("telemetry.serviceName", "waaah")
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./waaah.db"
	}
	return filepath.Join(home, ".waaah", "waaah.db")
}

// Load reads configuration from defaults, an optional config file, and
// WAAAH_* environment variables (in increasing precedence).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("waaah")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".waaah"))
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("WAAAH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a Config populated with defaults only. Used by tests
// and by components that need sane settings without touching the filesystem.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
