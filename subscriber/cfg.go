package subscriber

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/MengRao/PubSubQueue/internal/logging"
)

// Config configures the demo subscriber.
type Config struct {
	// MemoryDir is the directory holding queue backing files, one per topic.
	MemoryDir string `yaml:"memory_dir"`
	// Topics lists the queues to read.
	Topics []string `yaml:"topics"`
	// QueueSize is the queue storage capacity and must match the publisher.
	QueueSize datasize.ByteSize `yaml:"queue_size"`
	// BufferSize is the initial per-topic read buffer. It grows on demand
	// when a message does not fit.
	BufferSize datasize.ByteSize `yaml:"buffer_size"`
	// FromKey starts reading from the most recent key message when set,
	// instead of waiting for the next one published.
	FromKey bool `yaml:"from_key"`
	// IdleMin and IdleMax bound the exponential backoff applied between
	// polls while the queues are quiet.
	IdleMin time.Duration `yaml:"idle_min"`
	IdleMax time.Duration `yaml:"idle_max"`
	// Core pins the polling thread to the given CPU core; negative disables
	// pinning.
	Core int `yaml:"core"`

	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MemoryDir:  "/dev/shm",
		Topics:     []string{"demo"},
		QueueSize:  4 * datasize.KB,
		BufferSize: datasize.KB,
		FromKey:    true,
		IdleMin:    100 * time.Microsecond,
		IdleMax:    50 * time.Millisecond,
		Core:       -1,
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
