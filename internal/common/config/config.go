// Package config provides configuration management for Relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Relay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Budget  BudgetConfig  `mapstructure:"budget"`
	Session SessionConfig `mapstructure:"session"`
	History HistoryConfig `mapstructure:"history"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BudgetConfig holds usage admission-control configuration.
type BudgetConfig struct {
	// UsageCommand is the shell command queried for current plan usage,
	// e.g. "claude usage". Empty disables budget checks entirely.
	UsageCommand string `mapstructure:"usageCommand"`

	// CheckTimeout bounds one usage command invocation, in seconds.
	CheckTimeout int `mapstructure:"checkTimeout"`

	// CacheTTL is how long a usage snapshot stays fresh, in seconds.
	CacheTTL int `mapstructure:"cacheTtl"`

	// DayThreshold and NightThreshold are pause thresholds in percent.
	DayThreshold   float64 `mapstructure:"dayThreshold"`
	NightThreshold float64 `mapstructure:"nightThreshold"`

	// NightStartHour/NightEndHour define the night window in local hours.
	// The window may wrap midnight (e.g. 22 to 8).
	NightStartHour int `mapstructure:"nightStartHour"`
	NightEndHour   int `mapstructure:"nightEndHour"`
}

// SessionConfig holds PTY session pool configuration.
type SessionConfig struct {
	// Profile is the default agent profile name for new sessions.
	Profile string `mapstructure:"profile"`

	// IdleTTL is how long an idle session survives, in seconds.
	IdleTTL int `mapstructure:"idleTtl"`

	// CleanupInterval is the eviction sweep period, in seconds.
	CleanupInterval int `mapstructure:"cleanupInterval"`

	// MaxSessions caps concurrently live sessions; 0 means unlimited.
	MaxSessions int `mapstructure:"maxSessions"`

	// TermCols/TermRows set the worker PTY dimensions.
	TermCols int `mapstructure:"termCols"`
	TermRows int `mapstructure:"termRows"`

	// StartupTimeout bounds worker startup, in seconds.
	StartupTimeout int `mapstructure:"startupTimeout"`

	// TurnTimeout is the default per-send timeout, in seconds.
	TurnTimeout int `mapstructure:"turnTimeout"`
}

// HistoryConfig holds execution history storage configuration.
type HistoryConfig struct {
	// SQLitePath is the history database file. Empty keeps history in memory only.
	SQLitePath string `mapstructure:"sqlitePath"`

	// TranscriptLimit caps in-memory transcript entries kept per session.
	TranscriptLimit int `mapstructure:"transcriptLimit"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CheckTimeoutDuration returns the usage check timeout as a time.Duration.
func (b *BudgetConfig) CheckTimeoutDuration() time.Duration {
	return time.Duration(b.CheckTimeout) * time.Second
}

// CacheTTLDuration returns the snapshot cache window as a time.Duration.
func (b *BudgetConfig) CacheTTLDuration() time.Duration {
	return time.Duration(b.CacheTTL) * time.Second
}

// IdleTTLDuration returns the idle session TTL as a time.Duration.
func (s *SessionConfig) IdleTTLDuration() time.Duration {
	return time.Duration(s.IdleTTL) * time.Second
}

// CleanupIntervalDuration returns the eviction sweep period as a time.Duration.
func (s *SessionConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// StartupTimeoutDuration returns the worker startup timeout as a time.Duration.
func (s *SessionConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// TurnTimeoutDuration returns the default per-send timeout as a time.Duration.
func (s *SessionConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(s.TurnTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Budget defaults
	v.SetDefault("budget.usageCommand", "")
	v.SetDefault("budget.checkTimeout", 30)
	v.SetDefault("budget.cacheTtl", 300)
	v.SetDefault("budget.dayThreshold", 70.0)
	v.SetDefault("budget.nightThreshold", 90.0)
	v.SetDefault("budget.nightStartHour", 22)
	v.SetDefault("budget.nightEndHour", 8)

	// Session defaults
	v.SetDefault("session.profile", "claude")
	v.SetDefault("session.idleTtl", 1800)
	v.SetDefault("session.cleanupInterval", 300)
	v.SetDefault("session.maxSessions", 10)
	v.SetDefault("session.termCols", 200)
	v.SetDefault("session.termRows", 50)
	v.SetDefault("session.startupTimeout", 30)
	v.SetDefault("session.turnTimeout", 600)

	// History defaults
	v.SetDefault("history.sqlitePath", "relay.db")
	v.SetDefault("history.transcriptLimit", 200)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("budget.usageCommand", "RELAY_BUDGET_USAGE_COMMAND")
	_ = v.BindEnv("budget.dayThreshold", "RELAY_BUDGET_DAY_THRESHOLD")
	_ = v.BindEnv("budget.nightThreshold", "RELAY_BUDGET_NIGHT_THRESHOLD")
	_ = v.BindEnv("session.maxSessions", "RELAY_SESSION_MAX_SESSIONS")
	_ = v.BindEnv("session.idleTtl", "RELAY_SESSION_IDLE_TTL")
	_ = v.BindEnv("history.sqlitePath", "RELAY_HISTORY_SQLITE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Budget validation
	if cfg.Budget.DayThreshold < 0 || cfg.Budget.DayThreshold > 100 {
		errs = append(errs, "budget.dayThreshold must be between 0 and 100")
	}
	if cfg.Budget.NightThreshold < 0 || cfg.Budget.NightThreshold > 100 {
		errs = append(errs, "budget.nightThreshold must be between 0 and 100")
	}
	if cfg.Budget.NightStartHour < 0 || cfg.Budget.NightStartHour > 23 {
		errs = append(errs, "budget.nightStartHour must be between 0 and 23")
	}
	if cfg.Budget.NightEndHour < 0 || cfg.Budget.NightEndHour > 23 {
		errs = append(errs, "budget.nightEndHour must be between 0 and 23")
	}
	if cfg.Budget.CheckTimeout <= 0 {
		errs = append(errs, "budget.checkTimeout must be positive")
	}
	if cfg.Budget.CacheTTL < 0 {
		errs = append(errs, "budget.cacheTtl must not be negative")
	}

	// Session validation
	if cfg.Session.IdleTTL <= 0 {
		errs = append(errs, "session.idleTtl must be positive")
	}
	if cfg.Session.CleanupInterval <= 0 {
		errs = append(errs, "session.cleanupInterval must be positive")
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, "session.maxSessions must not be negative")
	}
	if cfg.Session.TermCols <= 0 || cfg.Session.TermRows <= 0 {
		errs = append(errs, "session.termCols and session.termRows must be positive")
	}
	if cfg.Session.TurnTimeout <= 0 {
		errs = append(errs, "session.turnTimeout must be positive")
	}

	// History validation
	if cfg.History.TranscriptLimit <= 0 {
		errs = append(errs, "history.transcriptLimit must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
