package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SubscriberConfig is a subscriber process's full configuration.
type SubscriberConfig struct {
	Aggregator AggregatorAddr `yaml:"aggregator"`
	Logging    LoggingInfo    `yaml:"logging"`
}

// LoadSubscriberConfig reads, parses, and validates a subscriber YAML
// configuration file.
func LoadSubscriberConfig(path string) (*SubscriberConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subscriber config: %w", err)
	}
	var cfg SubscriberConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing subscriber config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating subscriber config: %w", err)
	}
	return &cfg, nil
}

func (c *SubscriberConfig) validate() error {
	if c.Aggregator.Address == "" {
		return fmt.Errorf("aggregator.address is required")
	}
	if c.Aggregator.Port == 0 {
		return fmt.Errorf("aggregator.port is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
