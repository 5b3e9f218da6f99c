package publisher

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/MengRao/PubSubQueue/internal/logging"
)

// Config configures the demo publisher.
type Config struct {
	// MemoryDir is the directory holding queue backing files, one per topic.
	MemoryDir string `yaml:"memory_dir"`
	// Topic names the queue to publish to.
	Topic string `yaml:"topic"`
	// QueueSize is the queue storage capacity. Must be a power-of-two
	// multiple of the block size and at least twice the largest message.
	QueueSize datasize.ByteSize `yaml:"queue_size"`
	// Interval is the delay between published messages.
	Interval time.Duration `yaml:"interval"`
	// Count is the number of messages to publish; zero means run until
	// interrupted.
	Count uint64 `yaml:"count"`
	// Core pins the publishing thread to the given CPU core; negative
	// disables pinning.
	Core int `yaml:"core"`

	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MemoryDir: "/dev/shm",
		Topic:     "demo",
		QueueSize: 4 * datasize.KB,
		Interval:  time.Second,
		Count:     0,
		Core:      -1,
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
