// Package config loads and validates the application configuration from
// config files, environment variables and CLI flags via viper. Per-tenant
// matching configuration lives in the store; this package covers only the
// process-level settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/concilia-dev/concilia/pkg/logger"
)

// Config is the full process configuration
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Events     EventsConfig     `mapstructure:"events"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// StorageConfig selects and configures the store backend
type StorageConfig struct {
	// Driver is "memory" or "postgres"
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// EngineConfig tunes the decision engine
type EngineConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Workers       int           `mapstructure:"workers"`
}

// SimilarityConfig selects the description similarity provider
type SimilarityConfig struct {
	// Provider is "levenshtein" or "http"
	Provider         string        `mapstructure:"provider"`
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// EventsConfig configures decision event publishing
type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SetDefaults registers every default with viper. Called once from the root
// command before any config is read.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_backoff", 50*time.Millisecond)
	v.SetDefault("engine.workers", 4)

	v.SetDefault("similarity.provider", "levenshtein")
	v.SetDefault("similarity.timeout", 2*time.Second)
	v.SetDefault("similarity.failure_threshold", 5)
	v.SetDefault("similarity.cooldown", 30*time.Second)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.topic", "concilia.decisions")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

// Load reads a .env file if present, then unmarshals the viper state into a
// validated Config
func Load(v *viper.Viper) (*Config, error) {
	// A missing .env file is not an error; explicit env vars still apply
	_ = godotenv.Load()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}

	switch c.Similarity.Provider {
	case "levenshtein":
	case "http":
		if strings.TrimSpace(c.Similarity.BaseURL) == "" {
			return fmt.Errorf("similarity.base_url is required when similarity.provider is http")
		}
	default:
		return fmt.Errorf("unknown similarity provider: %s", c.Similarity.Provider)
	}

	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events.brokers is required when events are enabled")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}

	return nil
}

// LoggerConfig translates the logging section into the logger package's
// config type
func (c *Config) LoggerConfig() *logger.Config {
	cfg := &logger.Config{
		Level:  logger.Level(c.Logging.Level),
		Format: logger.Format(c.Logging.Format),
		Output: logger.StderrOutput,
	}
	if c.Logging.File != "" {
		cfg.Output = logger.FileOutput
		cfg.File = c.Logging.File
	}
	return cfg
}
