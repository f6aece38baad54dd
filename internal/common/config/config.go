// Package config provides configuration management for agentdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/executor"
)

// Config holds all configuration sections for agentdeck.
type Config struct {
	Executor  ExecutorConfig                  `mapstructure:"executor"`
	Agents    map[string]executor.AgentConfig `mapstructure:"agents"`
	Approvals ApprovalsConfig                 `mapstructure:"approvals"`
	Archive   ArchiveConfig                   `mapstructure:"archive"`
	NATS      bus.NATSConfig                  `mapstructure:"nats"`
	Logging   logger.LoggingConfig            `mapstructure:"logging"`
}

// ExecutorConfig holds process supervision configuration.
type ExecutorConfig struct {
	// StopGrace is how long a stopped agent gets between interrupt and
	// kill, in seconds.
	StopGrace int `mapstructure:"stopGrace"`

	// RulesPath points at a YAML file of per-variant line classifier
	// rules. Empty means built-in rules only.
	RulesPath string `mapstructure:"rulesPath"`

	// DefaultWorkdir is used when a spawn request names no directory.
	DefaultWorkdir string `mapstructure:"defaultWorkdir"`
}

// StopGraceDuration returns the stop grace as a time.Duration.
func (e *ExecutorConfig) StopGraceDuration() time.Duration {
	return time.Duration(e.StopGrace) * time.Second
}

// ApprovalsConfig holds tool approval configuration.
type ApprovalsConfig struct {
	// Timeout auto-denies approval requests left undecided for this
	// many seconds. Zero disables the timeout.
	Timeout int `mapstructure:"timeout"`
}

// TimeoutDuration returns the approval timeout as a time.Duration.
func (a *ApprovalsConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// ArchiveConfig holds the SQLite patch archive configuration.
type ArchiveConfig struct {
	// Path is the SQLite database file. Empty disables archiving;
	// finished sessions are then kept in memory only.
	Path string `mapstructure:"path"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "console" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Executor defaults
	v.SetDefault("executor.stopGrace", 10)
	v.SetDefault("executor.rulesPath", "")
	v.SetDefault("executor.defaultWorkdir", "")

	// Approvals defaults - zero means requests wait indefinitely
	v.SetDefault("approvals.timeout", 0)

	// Archive defaults - empty path means in-memory only
	v.SetDefault("archive.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
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
	// so keys where env var naming differs are bound explicitly.
	_ = v.BindEnv("executor.stopGrace", "AGENTDECK_EXECUTOR_STOP_GRACE")
	_ = v.BindEnv("executor.rulesPath", "AGENTDECK_EXECUTOR_RULES_PATH")
	_ = v.BindEnv("executor.defaultWorkdir", "AGENTDECK_EXECUTOR_DEFAULT_WORKDIR")
	_ = v.BindEnv("archive.path", "AGENTDECK_ARCHIVE_PATH")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields are coherent. Most
// fields are optional; the zero configuration runs fully in memory.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Executor.StopGrace <= 0 {
		errs = append(errs, "executor.stopGrace must be positive")
	}
	if cfg.Approvals.Timeout < 0 {
		errs = append(errs, "approvals.timeout must not be negative")
	}

	for name, agent := range cfg.Agents {
		variant := executor.Variant(name)
		if !variant.Valid() {
			errs = append(errs, fmt.Sprintf("agents.%s: unknown variant", name))
			continue
		}
		if agent.Variant == "" {
			agent.Variant = variant
			cfg.Agents[name] = agent
		} else if agent.Variant != variant {
			errs = append(errs, fmt.Sprintf("agents.%s: variant field %q conflicts with section name", name, agent.Variant))
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
