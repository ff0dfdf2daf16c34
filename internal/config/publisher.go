package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PublisherConfig is a publisher process's full configuration.
type PublisherConfig struct {
	Name      string      `yaml:"name"` // required, unique within the aggregator
	Aggregator AggregatorAddr `yaml:"aggregator"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// AggregatorAddr is where a publisher or subscriber dials the aggregator.
type AggregatorAddr struct {
	Address string `yaml:"address"` // required
	Port    int    `yaml:"port"`    // required
}

// HeartbeatConfig controls the publisher's pulse cadence.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"` // default 15s
}

// ThrottleConfig optionally rate-limits the publisher's outbound queue()
// calls, self-imposed and off by default (see DESIGN.md's publisher
// section for why this does not violate the no-back-pressure non-goal).
type ThrottleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoadPublisherConfig reads, parses, and validates a publisher YAML
// configuration file.
func LoadPublisherConfig(path string) (*PublisherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading publisher config: %w", err)
	}
	var cfg PublisherConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing publisher config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating publisher config: %w", err)
	}
	return &cfg, nil
}

func (c *PublisherConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Aggregator.Address == "" {
		return fmt.Errorf("aggregator.address is required")
	}
	if c.Aggregator.Port == 0 {
		return fmt.Errorf("aggregator.port is required")
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 15 * time.Second
	}
	if c.Throttle.Enabled {
		if c.Throttle.MessagesPerSecond <= 0 {
			c.Throttle.MessagesPerSecond = 100
		}
		if c.Throttle.Burst <= 0 {
			c.Throttle.Burst = int(c.Throttle.MessagesPerSecond)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
