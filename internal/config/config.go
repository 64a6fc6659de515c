// Package config loads the runtime configuration from a YAML file with
// environment overrides, and watches the file so the log level can change
// without a restart.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. A missing file yields defaults;
// REDIS_URL and CLEAR_OLD_MESSAGES_ON_STARTUP override the file.
type Config struct {
	RedisURL       string         `yaml:"redis_url"`
	LogLevel       string         `yaml:"log_level"`
	ClearOnStartup bool           `yaml:"clear_on_startup"`
	Bridge         BridgeConfig   `yaml:"bridge"`
	Agents         AgentsConfig   `yaml:"agents"`
	Dispatch       DispatchConfig `yaml:"dispatch"`
	Tracing        TracingConfig  `yaml:"tracing"`
}

// BridgeConfig configures the websocket relay listener.
type BridgeConfig struct {
	Listen string `yaml:"listen"`
}

// AgentsConfig selects which agents the serve runtime hosts. All agents run
// unless listed under disabled.
type AgentsConfig struct {
	Disabled []string `yaml:"disabled"`
}

// Enabled reports whether one agent type should be hosted.
func (a AgentsConfig) Enabled(agentType string) bool {
	for _, t := range a.Disabled {
		if t == agentType {
			return false
		}
	}
	return true
}

// DispatchConfig tunes the request-stream poll loop.
type DispatchConfig struct {
	BlockMS int `yaml:"block_ms"` // XREAD block per read
	SleepMS int `yaml:"sleep_ms"` // pause between iterations
}

// TracingConfig configures the span collector's OTLP export. Without the
// otel build tag only the in-memory tail is kept.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" (default) or "http"
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers"`
}

// Load reads the config at path. A missing file is not an error; the
// defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// run on defaults
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if os.Getenv("CLEAR_OLD_MESSAGES_ON_STARTUP") == "true" {
		cfg.ClearOnStartup = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://127.0.0.1:6379"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Bridge.Listen == "" {
		cfg.Bridge.Listen = ":8090"
	}
	if cfg.Dispatch.BlockMS <= 0 {
		cfg.Dispatch.BlockMS = 1000
	}
	if cfg.Dispatch.SleepMS <= 0 {
		cfg.Dispatch.SleepMS = 100
	}
	if cfg.Tracing.Protocol == "" {
		cfg.Tracing.Protocol = "grpc"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "agentrun"
	}
}

// ParseLevel maps a config log level to slog. Unknown values fall back to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
