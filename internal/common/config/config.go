// Package config provides configuration management for the scheduler service.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Data       DataConfig       `mapstructure:"data"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Automation AutomationConfig `mapstructure:"automation"`
	License    LicenseConfig    `mapstructure:"license"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the on-disk layout of durable state.
type DataConfig struct {
	// Dir is the root directory for snapshots, per-task meta files and
	// task workspaces.
	Dir string `mapstructure:"dir"`
}

// SchedulerConfig holds dispatch loop tuning.
type SchedulerConfig struct {
	// Autostart starts the dispatch loop on service boot.
	Autostart bool `mapstructure:"autostart"`

	// MaxPollSeconds caps how long the dispatch loop sleeps between cycles.
	MaxPollSeconds int `mapstructure:"maxPollSeconds"`

	// ShutdownGraceSeconds bounds how long Stop waits for an in-flight run.
	ShutdownGraceSeconds int `mapstructure:"shutdownGraceSeconds"`

	// ExecuteNowWaitSeconds bounds how long an on-demand run waits for the
	// execution lock before reporting busy.
	ExecuteNowWaitSeconds int `mapstructure:"executeNowWaitSeconds"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AutomationConfig holds the connection to the local browser-automation service.
type AutomationConfig struct {
	BaseURL               string `mapstructure:"baseUrl"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeoutSeconds"`
}

// LicenseConfig holds the license file location.
type LicenseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MaxPoll returns the dispatch sleep cap as a time.Duration.
func (s *SchedulerConfig) MaxPoll() time.Duration {
	return time.Duration(s.MaxPollSeconds) * time.Second
}

// ShutdownGrace returns the shutdown grace window as a time.Duration.
func (s *SchedulerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// ExecuteNowWait returns the on-demand lock wait as a time.Duration.
func (s *SchedulerConfig) ExecuteNowWait() time.Duration {
	return time.Duration(s.ExecuteNowWaitSeconds) * time.Second
}

// RequestTimeout returns the automation request timeout as a time.Duration.
func (a *AutomationConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SnapshotPath returns the location of the scheduler state snapshot.
func (d *DataConfig) SnapshotPath() string {
	return filepath.Join(d.Dir, "dispatch_config.json")
}

// MetaDir returns the directory holding per-task meta files.
func (d *DataConfig) MetaDir() string {
	return filepath.Join(d.Dir, "meta")
}

// WorkspaceDir returns the directory holding per-task workspaces.
func (d *DataConfig) WorkspaceDir() string {
	return filepath.Join(d.Dir, "workspaces")
}

// SharedCookiePath returns the location the automation service reads
// credentials from.
func (d *DataConfig) SharedCookiePath() string {
	return filepath.Join(d.Dir, "cookies.json")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("REDPILOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8520)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", "./data")

	// Scheduler defaults
	v.SetDefault("scheduler.autostart", true)
	v.SetDefault("scheduler.maxPollSeconds", 60)
	v.SetDefault("scheduler.shutdownGraceSeconds", 30)
	v.SetDefault("scheduler.executeNowWaitSeconds", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "redpilot-scheduler")
	v.SetDefault("nats.maxReconnects", 10)

	// Automation defaults
	v.SetDefault("automation.baseUrl", "http://127.0.0.1:8521")
	v.SetDefault("automation.requestTimeoutSeconds", 600)

	// License defaults - empty path means not activated
	v.SetDefault("license.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix REDPILOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/redpilot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("REDPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("scheduler.maxPollSeconds", "REDPILOT_SCHEDULER_MAX_POLL_SECONDS")
	_ = v.BindEnv("scheduler.shutdownGraceSeconds", "REDPILOT_SCHEDULER_SHUTDOWN_GRACE_SECONDS")
	_ = v.BindEnv("scheduler.executeNowWaitSeconds", "REDPILOT_SCHEDULER_EXECUTE_NOW_WAIT_SECONDS")
	_ = v.BindEnv("automation.baseUrl", "REDPILOT_AUTOMATION_BASE_URL")
	_ = v.BindEnv("automation.requestTimeoutSeconds", "REDPILOT_AUTOMATION_REQUEST_TIMEOUT_SECONDS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/redpilot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Scheduler.MaxPollSeconds <= 0 {
		errs = append(errs, "scheduler.maxPollSeconds must be positive")
	}
	if cfg.Scheduler.ShutdownGraceSeconds < 0 {
		errs = append(errs, "scheduler.shutdownGraceSeconds must not be negative")
	}
	if cfg.Scheduler.ExecuteNowWaitSeconds < 0 {
		errs = append(errs, "scheduler.executeNowWaitSeconds must not be negative")
	}

	if cfg.Automation.BaseURL == "" {
		errs = append(errs, "automation.baseUrl is required")
	}
	if cfg.Automation.RequestTimeoutSeconds <= 0 {
		errs = append(errs, "automation.requestTimeoutSeconds must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
