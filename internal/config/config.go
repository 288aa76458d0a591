// Package config loads and validates the worker configuration. The shape
// follows enhanced_consumer.go's Config struct (a YAML document with
// aws/kinesis/consumer sections); it is extended here with the
// coordination-layer options the rest of this module requires.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full worker configuration.
type Config struct {
	AWS struct {
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"aws"`

	Kinesis struct {
		StreamName string `yaml:"stream_name"`
	} `yaml:"kinesis"`

	DynamoDB struct {
		TableName            string            `yaml:"table_name"`
		Tags                 map[string]string `yaml:"tags"`
		ProvisionedReadUnits  int64             `yaml:"provisioned_read_units"`
		ProvisionedWriteUnits int64             `yaml:"provisioned_write_units"`
	} `yaml:"dynamodb"`

	Consumer struct {
		ConsumerGroup          string `yaml:"consumer_group"`
		ConsumerID             string `yaml:"consumer_id"`
		AppName                string `yaml:"application_name"`
		UseAutoShardAssignment bool   `yaml:"use_auto_shard_assignment"`
		UseEnhancedFanOut      bool   `yaml:"use_enhanced_fan_out"`

		HeartbeatPeriod          time.Duration `yaml:"heartbeat_period"`
		HeartbeatFailureTimeout  time.Duration `yaml:"heartbeat_failure_timeout"`
		ShardLeaseDuration       time.Duration `yaml:"shard_lease_duration"`
	} `yaml:"consumer"`

	Logging struct {
		Level   string `yaml:"level"`
		LogFile string `yaml:"log_file"`
	} `yaml:"logging"`
}

// Load reads and parses path, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Consumer.HeartbeatPeriod == 0 {
		c.Consumer.HeartbeatPeriod = 20 * time.Second
	}
	if c.Consumer.HeartbeatFailureTimeout == 0 {
		c.Consumer.HeartbeatFailureTimeout = 3 * c.Consumer.HeartbeatPeriod
	}
	if c.Consumer.ShardLeaseDuration == 0 {
		c.Consumer.ShardLeaseDuration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate enforces that the heartbeat failure threshold is at least 3x
// the heartbeat period (to avoid false evictions under transient network
// loss), and that the fields needed for identity are set.
func (c *Config) Validate() error {
	if c.Consumer.ConsumerGroup == "" {
		return fmt.Errorf("config: consumer.consumer_group is required")
	}
	if c.Kinesis.StreamName == "" {
		return fmt.Errorf("config: kinesis.stream_name is required")
	}
	if c.Consumer.HeartbeatFailureTimeout < 3*c.Consumer.HeartbeatPeriod {
		return fmt.Errorf(
			"config: consumer.heartbeat_failure_timeout (%s) must be at least 3x consumer.heartbeat_period (%s)",
			c.Consumer.HeartbeatFailureTimeout, c.Consumer.HeartbeatPeriod,
		)
	}
	return nil
}
