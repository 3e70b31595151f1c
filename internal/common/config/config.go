// Package config provides configuration management for agentdeck.
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

// Config holds all configuration sections for agentdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds configuration for the external agent subprocess.
type AgentConfig struct {
	// BinPath is the agent CLI executable to spawn for each session.
	BinPath string `mapstructure:"binPath"`

	// DefaultProvider is used when a submit-prompt carries no provider.
	DefaultProvider string `mapstructure:"defaultProvider"`

	// DefaultModel is used when a submit-prompt carries no model.
	DefaultModel string `mapstructure:"defaultModel"`

	// AutoApprove answers confirm-class approval requests affirmatively
	// without surfacing them to the client.
	AutoApprove bool `mapstructure:"autoApprove"`

	// SystemPromptFragments are opaque strings appended to the spawn
	// arguments. They are never parsed.
	SystemPromptFragments []string `mapstructure:"systemPromptFragments"`
}

// SessionsConfig holds transcript persistence configuration.
type SessionsConfig struct {
	// Dir is the directory holding per-session transcript files.
	// Default: ~/.agentdeck/sessions
	Dir string `mapstructure:"dir"`

	// IndexPath is the SQLite session index file.
	// Default: <dir>/index.db
	IndexPath string `mapstructure:"indexPath"`
}

// TerminalConfig holds terminal process pool configuration.
type TerminalConfig struct {
	// KillGrace is how long terminate waits after the interrupt/EOF pair
	// before force-killing the process tree, in seconds.
	KillGrace int `mapstructure:"killGrace"`

	// BufferMaxBytes bounds each terminal's in-memory output buffer.
	BufferMaxBytes int64 `mapstructure:"bufferMaxBytes"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// KillGraceDuration returns the terminal kill grace window as a time.Duration.
func (t *TerminalConfig) KillGraceDuration() time.Duration {
	return time.Duration(t.KillGrace) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.binPath", "claude")
	v.SetDefault("agent.defaultProvider", "anthropic")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.autoApprove", false)
	v.SetDefault("agent.systemPromptFragments", []string{})

	// Session defaults - empty dir resolves to ~/.agentdeck/sessions
	v.SetDefault("sessions.dir", "")
	v.SetDefault("sessions.indexPath", "")

	// Terminal defaults
	v.SetDefault("terminal.killGrace", 3)
	v.SetDefault("terminal.bufferMaxBytes", 2*1024*1024)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.binPath", "AGENTDECK_AGENT_BIN_PATH")
	_ = v.BindEnv("agent.autoApprove", "AGENTDECK_AGENT_AUTO_APPROVE")
	_ = v.BindEnv("sessions.dir", "AGENTDECK_SESSIONS_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdeck/")

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

	if err := resolvePaths(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolvePaths fills in home-relative defaults that cannot be computed
// statically in setDefaults.
func resolvePaths(cfg *Config) error {
	if cfg.Sessions.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Sessions.Dir = filepath.Join(home, ".agentdeck", "sessions")
	}
	if cfg.Sessions.IndexPath == "" {
		cfg.Sessions.IndexPath = filepath.Join(cfg.Sessions.Dir, "index.db")
	}
	return nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.BinPath == "" {
		errs = append(errs, "agent.binPath is required")
	}

	if cfg.Terminal.KillGrace <= 0 {
		errs = append(errs, "terminal.killGrace must be positive")
	}
	if cfg.Terminal.BufferMaxBytes <= 0 {
		errs = append(errs, "terminal.bufferMaxBytes must be positive")
	}

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
