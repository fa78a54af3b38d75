// Package config provides configuration management for runforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for runforge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Sanitizer SanitizerConfig `mapstructure:"sanitizer"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds configuration for launching the external agent CLI.
type AgentConfig struct {
	// Binary overrides the agent executable path. When empty, the local
	// installation path is probed, then the bare name is resolved on PATH.
	Binary string `mapstructure:"binary"`

	// RawArgs, when set, replaces the built-in argument template entirely.
	// The {{TASK}} placeholder is substituted with the task text.
	RawArgs string `mapstructure:"rawArgs"`

	// DefaultModel is passed via the model flag when a run does not override it.
	DefaultModel string `mapstructure:"defaultModel"`

	// MaxTurns caps the agent's step budget when a run does not override it.
	MaxTurns int `mapstructure:"maxTurns"`

	// DisableTelemetry controls the telemetry-disable variables injected into
	// the agent process environment. Defaults to true.
	DisableTelemetry bool `mapstructure:"disableTelemetry"`
}

// RunnerConfig holds run orchestration configuration.
type RunnerConfig struct {
	MaxConcurrentRuns int      `mapstructure:"maxConcurrentRuns"` // global run ceiling
	ApprovalTimeout   int      `mapstructure:"approvalTimeout"`   // seconds until a pending approval collapses to deny
	StopGracePeriod   int      `mapstructure:"stopGracePeriod"`   // seconds between SIGTERM and SIGKILL
	KeepAliveInterval int      `mapstructure:"keepAliveInterval"` // seconds between ping events
	GatedTools        []string `mapstructure:"gatedTools"`        // default gated tool names
	PolicyFile        string   `mapstructure:"policyFile"`        // optional yaml policy overrides
}

// SanitizerConfig holds output redaction configuration.
type SanitizerConfig struct {
	BrandName  string `mapstructure:"brandName"`  // agent brand token rewritten in outbound text
	BrandAlias string `mapstructure:"brandAlias"` // public-facing replacement
	ModelAlias string `mapstructure:"modelAlias"` // value reported for "model" keys
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

// ApprovalTimeoutDuration returns the approval timeout as a time.Duration.
func (r *RunnerConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(r.ApprovalTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (r *RunnerConfig) StopGraceDuration() time.Duration {
	return time.Duration(r.StopGracePeriod) * time.Second
}

// KeepAliveDuration returns the keep-alive interval as a time.Duration.
func (r *RunnerConfig) KeepAliveDuration() time.Duration {
	return time.Duration(r.KeepAliveInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNFORGE_ENV"); env == "production" || env == "prod" {
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

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runforge")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "")
	v.SetDefault("agent.rawArgs", "")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.maxTurns", 0)
	v.SetDefault("agent.disableTelemetry", true)

	// Runner defaults
	v.SetDefault("runner.maxConcurrentRuns", 5)
	v.SetDefault("runner.approvalTimeout", 300)
	v.SetDefault("runner.stopGracePeriod", 2)
	v.SetDefault("runner.keepAliveInterval", 25)
	v.SetDefault("runner.gatedTools", []string{})
	v.SetDefault("runner.policyFile", "")

	// Sanitizer defaults
	v.SetDefault("sanitizer.brandName", "claude")
	v.SetDefault("sanitizer.brandAlias", "assistant")
	v.SetDefault("sanitizer.modelAlias", "workspace-agent")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.binary", "RUNFORGE_AGENT_BINARY", "CLAUDE_PATH")
	_ = v.BindEnv("agent.rawArgs", "RUNFORGE_AGENT_RAW_ARGS", "CLAUDE_ARGS")
	_ = v.BindEnv("agent.defaultModel", "RUNFORGE_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("runner.maxConcurrentRuns", "RUNFORGE_RUNNER_MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("runner.approvalTimeout", "RUNFORGE_RUNNER_APPROVAL_TIMEOUT")
	_ = v.BindEnv("runner.policyFile", "RUNFORGE_RUNNER_POLICY_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runforge/")

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

	if cfg.Runner.MaxConcurrentRuns <= 0 {
		errs = append(errs, "runner.maxConcurrentRuns must be positive")
	}
	if cfg.Runner.ApprovalTimeout <= 0 {
		errs = append(errs, "runner.approvalTimeout must be positive")
	}
	if cfg.Runner.StopGracePeriod <= 0 {
		errs = append(errs, "runner.stopGracePeriod must be positive")
	}
	if cfg.Runner.KeepAliveInterval <= 0 {
		errs = append(errs, "runner.keepAliveInterval must be positive")
	}

	if cfg.Sanitizer.BrandAlias == "" {
		errs = append(errs, "sanitizer.brandAlias must not be empty")
	}
	if cfg.Sanitizer.ModelAlias == "" {
		errs = append(errs, "sanitizer.modelAlias must not be empty")
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
