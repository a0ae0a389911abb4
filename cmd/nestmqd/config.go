package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	// Listen is the HTTP listen address serving the websocket
	// endpoint and, when enabled, /metrics.
	Listen string `yaml:"listen"`

	// Path is the websocket endpoint path.
	Path string `yaml:"path"`

	// DataDir enables badger-backed persistence when set. Empty keeps
	// everything in memory.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error, none.
	LogLevel string `yaml:"log_level"`

	// Metrics exposes prometheus metrics on /metrics when true.
	Metrics bool `yaml:"metrics"`

	Limits LimitsConfig `yaml:"limits"`
	Retry  RetryConfig  `yaml:"retry"`
}

// LimitsConfig bounds per-client and broker-wide resources.
type LimitsConfig struct {
	MaxConnections    int     `yaml:"max_connections"`
	ReceiveMaximum    uint16  `yaml:"receive_maximum"`
	MaxQueuedMessages int     `yaml:"max_queued_messages"`
	KeepAliveOverride uint16  `yaml:"keep_alive_override"`
	ConnectRate       float64 `yaml:"connect_rate"`
	ConnectBurst      int     `yaml:"connect_burst"`
}

// RetryConfig tunes QoS retransmission.
type RetryConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8883",
		Path:     "/mqtt",
		LogLevel: "info",
		Metrics:  true,
	}
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if c.Path == "" {
		return fmt.Errorf("websocket path required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
