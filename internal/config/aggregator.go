package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AggregatorConfig is the broker's full configuration.
type AggregatorConfig struct {
	Bind     BindConfig     `yaml:"bind"`
	Log      LogConfig      `yaml:"log"`
	Logging  LoggingInfo    `yaml:"logging"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// BindConfig is the aggregator's listen address.
type BindConfig struct {
	Address string `yaml:"address"` // default 0.0.0.0
	Port    int    `yaml:"port"`    // default 3141
}

// LogConfig controls the durable append log and its rotation.
type LogConfig struct {
	Directory           string `yaml:"directory"`             // required
	RotationThreshold   string `yaml:"rotation_threshold"`    // default "100mb"
	RotationThresholdRaw int64 `yaml:"-"`
	CompressArchives    bool   `yaml:"compress_archives"`     // default false
	TabularSideFiles    bool   `yaml:"tabular_side_files"`    // default false
}

// LoggingInfo controls structured log output (shared shape across roles).
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default "info"
	Format string `yaml:"format"` // default "json"
	File   string `yaml:"file"`  // default "" (stdout only)
}

// HousekeepingConfig schedules the aggregator's periodic directory purge
// and disk-usage log line via a cron expression.
type HousekeepingConfig struct {
	Schedule string `yaml:"schedule"` // default "@every 30s"
}

// LoadAggregatorConfig reads, parses, and validates an aggregator YAML
// configuration file.
func LoadAggregatorConfig(path string) (*AggregatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading aggregator config: %w", err)
	}
	var cfg AggregatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing aggregator config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating aggregator config: %w", err)
	}
	return &cfg, nil
}

func (c *AggregatorConfig) validate() error {
	if c.Bind.Address == "" {
		c.Bind.Address = "0.0.0.0"
	}
	if c.Bind.Port == 0 {
		c.Bind.Port = 3141
	}
	if c.Log.Directory == "" {
		return fmt.Errorf("log.directory is required")
	}
	if c.Log.RotationThreshold == "" {
		c.Log.RotationThreshold = "100mb"
	}
	parsed, err := ParseByteSize(c.Log.RotationThreshold)
	if err != nil {
		return fmt.Errorf("log.rotation_threshold: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("log.rotation_threshold must be > 0, got %s", c.Log.RotationThreshold)
	}
	c.Log.RotationThresholdRaw = parsed

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Housekeeping.Schedule == "" {
		c.Housekeeping.Schedule = "@every 30s"
	}
	return nil
}

// ListenAddress renders the bind address and port as a "host:port" string.
func (c *AggregatorConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Bind.Address, c.Bind.Port)
}

// HeartbeatWindow is the 3-minute liveness window used by the directory
// purge, exposed here so it can eventually be made configurable without
// disturbing callers.
const HeartbeatWindow = 3 * time.Minute
