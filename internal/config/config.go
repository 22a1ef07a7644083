// config.go — YAML configuration: a file is read over a set of sane
// defaults, and a missing file causes the defaults to be written out rather
// than an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/browserfairy/browserfairy-go/internal/ratelimit"
	"github.com/browserfairy/browserfairy-go/internal/writer"
)

// Config holds all BrowserFairy configuration.
type Config struct {
	Endpoint RemoteConfig    `yaml:"endpoint"`
	Capture  CaptureConfig   `yaml:"capture"`
	Writer   WriterConfig    `yaml:"writer"`
	Logging  LoggingConfig   `yaml:"logging"`
	Status   StatusConfig    `yaml:"status"`
}

// RemoteConfig controls how the core discovers the browser's debug
// endpoint.
type RemoteConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CaptureConfig controls collector rate limits.
type CaptureConfig struct {
	NetworkRatePerSecond int `yaml:"network_rate_per_second"`
	ConsoleRatePerSecond int `yaml:"console_rate_per_second"`
}

// WriterConfig controls NDJSON output behavior.
type WriterConfig struct {
	SessionsDir    string `yaml:"sessions_dir"`
	FlushBatched   bool   `yaml:"flush_batched"`
	BatchIntervalMs int   `yaml:"batch_interval_ms"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// StatusConfig controls the localhost status HTTP surface.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: RemoteConfig{Host: "127.0.0.1", Port: 9222},
		Capture: CaptureConfig{
			NetworkRatePerSecond: 50,
			ConsoleRatePerSecond: 10,
		},
		Writer: WriterConfig{
			FlushBatched:    false,
			BatchIntervalMs: 1000,
		},
		Logging: LoggingConfig{Level: "info"},
		Status:  StatusConfig{Enabled: true, Address: "127.0.0.1:9394"},
	}
}

// NetworkLimiter builds a ratelimit.Limiter from the network rate setting.
func (c *Config) NetworkLimiter() *ratelimit.Limiter {
	return ratelimit.New(c.Capture.NetworkRatePerSecond)
}

// ConsoleLimiter builds a ratelimit.Limiter from the console rate setting.
func (c *Config) ConsoleLimiter() *ratelimit.Limiter {
	return ratelimit.New(c.Capture.ConsoleRatePerSecond)
}

// FlushMode translates the YAML flag into a writer.FlushMode.
func (c *Config) FlushMode() writer.FlushMode {
	if c.Writer.FlushBatched {
		return writer.FlushBatched
	}
	return writer.FlushPerRecord
}

// BatchInterval returns the batched-flush interval as a time.Duration.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Writer.BatchIntervalMs) * time.Millisecond
}

// Load reads a YAML config file at path, merged over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrCreateAt loads the config at path, writing the defaults out first
// if no file exists there yet.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}
