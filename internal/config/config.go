// Package config handles configuration loading and management for Orchid.
// It supports XDG config paths, project-level overrides, and environment
// variables. Every numeric escalation threshold lives here rather than in
// code: deployments disagree on what "high value" means, so the engine
// refuses to hard-code an answer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Orchid.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Health     HealthConfig     `mapstructure:"health"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Control    ControlConfig    `mapstructure:"control"`
}

// SchedulerConfig holds dispatch-loop and retry settings.
type SchedulerConfig struct {
	// PollInterval is the idle wait between dispatch passes.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// EventBuffer is the lifecycle event channel capacity.
	EventBuffer int `mapstructure:"event_buffer"`
	// BackoffBase is the first retry delay.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffFactor multiplies the delay per attempt.
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration `mapstructure:"backoff_cap"`
	// DefaultNodeTimeout applies to nodes that declare no timeout.
	DefaultNodeTimeout time.Duration `mapstructure:"default_node_timeout"`
}

// ValueRule routes a task to a higher tier when a payload field crosses a
// threshold at a given node. Thresholds are per-deployment configuration.
type ValueRule struct {
	// Node is the workflow node the rule applies to.
	Node string `mapstructure:"node"`
	// Field is the payload field holding the value to compare.
	Field string `mapstructure:"field"`
	// Threshold triggers escalation when the field value is >= it.
	Threshold float64 `mapstructure:"threshold"`
}

// EscalationConfig holds the escalation policy settings.
type EscalationConfig struct {
	// MaxEscalations bounds tier escalations per task; reaching it forces
	// Terminal-Failed.
	MaxEscalations int `mapstructure:"max_escalations"`
	// ValueRules lists payload-threshold escalation triggers.
	ValueRules []ValueRule `mapstructure:"value_rules"`
	// ReviewNodes maps a tier name to its default review node, used when a
	// workflow node declares no explicit escalate_to target.
	ReviewNodes map[string]string `mapstructure:"review_nodes"`
}

// HealthConfig holds agent health-probe settings.
type HealthConfig struct {
	// ProbeInterval is the cadence of registry health probes.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// FailureThreshold is the consecutive-failure count that degrades an
	// agent by one level.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// CheckpointConfig holds checkpoint persistence settings.
type CheckpointConfig struct {
	// Path is the SQLite database file; empty selects the project default.
	Path string `mapstructure:"path"`
	// Retention is how many checkpoint sequences to keep per task.
	// Zero keeps everything.
	Retention int `mapstructure:"retention"`
}

// MetricsConfig holds metrics and alerting settings.
type MetricsConfig struct {
	// Windows are the sliding-window sizes the collector maintains.
	Windows []time.Duration `mapstructure:"windows"`
	// SuccessRateThreshold triggers a low_success_rate alert when an
	// agent's windowed success rate falls below it with >0 tasks.
	SuccessRateThreshold float64 `mapstructure:"success_rate_threshold"`
	// ErrorRateThreshold triggers a system-level error-rate alert.
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold"`
	// CPUThreshold triggers a system cpu alert (percent, fed externally).
	CPUThreshold float64 `mapstructure:"cpu_threshold"`
	// MemoryThreshold triggers a system memory alert (percent, fed externally).
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
}

// ControlConfig holds control-file watcher settings.
type ControlConfig struct {
	// Dir is the directory watched for cancel/pause/resume drop files.
	// Empty disables the watcher.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (ORCHID_*)
// 2. Project config (.orchid.yaml in current directory or a parent)
// 3. User config (~/.config/orchid/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ORCHID")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval", "100ms")
	v.SetDefault("scheduler.event_buffer", 256)
	v.SetDefault("scheduler.backoff_base", "1s")
	v.SetDefault("scheduler.backoff_factor", 2.0)
	v.SetDefault("scheduler.backoff_cap", "30s")
	v.SetDefault("scheduler.default_node_timeout", "2m")

	// Escalation defaults
	v.SetDefault("escalation.max_escalations", 2)
	v.SetDefault("escalation.review_nodes", map[string]string{})

	// Health defaults
	v.SetDefault("health.probe_interval", "30s")
	v.SetDefault("health.failure_threshold", 3)

	// Checkpoint defaults
	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.retention", 50)

	// Metrics defaults
	v.SetDefault("metrics.windows", []string{"1h", "24h", "168h"})
	v.SetDefault("metrics.success_rate_threshold", 0.8)
	v.SetDefault("metrics.error_rate_threshold", 0.2)
	v.SetDefault("metrics.cpu_threshold", 90.0)
	v.SetDefault("metrics.memory_threshold", 90.0)

	// Control defaults
	v.SetDefault("control.dir", "")
}

// getUserConfigDir returns the XDG config directory for Orchid.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchid")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchid")
	}
	return filepath.Join(home, ".config", "orchid")
}

// findProjectConfig searches for .orchid.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".orchid.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			PollInterval:       100 * time.Millisecond,
			EventBuffer:        256,
			BackoffBase:        time.Second,
			BackoffFactor:      2.0,
			BackoffCap:         30 * time.Second,
			DefaultNodeTimeout: 2 * time.Minute,
		},
		Escalation: EscalationConfig{
			MaxEscalations: 2,
			ReviewNodes:    map[string]string{},
		},
		Health: HealthConfig{
			ProbeInterval:    30 * time.Second,
			FailureThreshold: 3,
		},
		Checkpoint: CheckpointConfig{
			Retention: 50,
		},
		Metrics: MetricsConfig{
			Windows:              []time.Duration{time.Hour, 24 * time.Hour, 168 * time.Hour},
			SuccessRateThreshold: 0.8,
			ErrorRateThreshold:   0.2,
			CPUThreshold:         90.0,
			MemoryThreshold:      90.0,
		},
	}
}
