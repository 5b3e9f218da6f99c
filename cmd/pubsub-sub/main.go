package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MengRao/PubSubQueue/internal/demomsg"
	"github.com/MengRao/PubSubQueue/internal/logging"
	"github.com/MengRao/PubSubQueue/internal/xcmd"
	"github.com/MengRao/PubSubQueue/subscriber"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	MemoryDir  string
	QueueSize  string
	BufferSize string
	FromKey    bool
	Core       int
}

var rootCmd = &cobra.Command{
	Use:   "pubsub-sub [TOPIC]...",
	Short: "Demo subscriber draining shared memory broadcast queues",
	Args:  cobra.ArbitraryArgs,
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(rawCmd, cmd, args); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	flags.StringVar(&cmd.MemoryDir, "memory-dir", "/dev/shm", "Directory holding queue backing files")
	flags.StringVar(&cmd.QueueSize, "queue-size", "4KB", "Queue storage capacity, matching the publisher")
	flags.StringVar(&cmd.BufferSize, "buffer-size", "1KB", "Initial read buffer size")
	flags.BoolVar(&cmd.FromKey, "from-key", true, "Start from the most recent key message")
	flags.IntVar(&cmd.Core, "core", -1, "Pin the polling thread to this core")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(rawCmd *cobra.Command, cmd Cmd, topics []string) error {
	cfg, err := makeConfig(rawCmd, cmd, topics)
	if err != nil {
		return err
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	sub, err := subscriber.New(cfg, handleRecord(log), subscriber.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize subscriber: %w", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return sub.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	err = wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleRecord decodes demo messages and reports the one-way latency from
// the publisher's send timestamp.
func handleRecord(log *zap.SugaredLogger) subscriber.Handler {
	return func(rec subscriber.Record) {
		msg, err := demomsg.Decode(rec.UserData, rec.Data)
		if err != nil {
			log.Warnw("undecodable record",
				zap.String("topic", rec.Topic),
				zap.Uint32("userdata", rec.UserData),
				zap.Int("bytes", len(rec.Data)),
				zap.Error(err),
			)
			return
		}

		log.Infow("message",
			zap.String("topic", rec.Topic),
			zap.Uint32("type", msg.Type),
			zap.Int32("producer", msg.Producer),
			zap.Duration("latency", time.Duration(time.Now().UnixNano()-msg.SentNs)),
			zap.Int32s("vals", msg.Vals),
		)
	}
}

// makeConfig loads the configuration file, if any, and applies flag and
// argument overrides on top.
func makeConfig(rawCmd *cobra.Command, cmd Cmd, topics []string) (*subscriber.Config, error) {
	cfg := subscriber.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = subscriber.LoadConfig(cmd.ConfigPath); err != nil {
			return nil, err
		}
	}

	if len(topics) > 0 {
		cfg.Topics = topics
	}

	flags := rawCmd.Flags()
	if flags.Changed("memory-dir") {
		cfg.MemoryDir = cmd.MemoryDir
	}
	if flags.Changed("queue-size") {
		size, err := datasize.ParseString(cmd.QueueSize)
		if err != nil {
			return nil, fmt.Errorf("failed to parse queue size: %w", err)
		}
		cfg.QueueSize = size
	}
	if flags.Changed("buffer-size") {
		size, err := datasize.ParseString(cmd.BufferSize)
		if err != nil {
			return nil, fmt.Errorf("failed to parse buffer size: %w", err)
		}
		cfg.BufferSize = size
	}
	if flags.Changed("from-key") {
		cfg.FromKey = cmd.FromKey
	}
	if flags.Changed("core") {
		cfg.Core = cmd.Core
	}
	return cfg, nil
}
