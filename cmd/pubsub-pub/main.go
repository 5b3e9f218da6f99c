package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MengRao/PubSubQueue/internal/logging"
	"github.com/MengRao/PubSubQueue/internal/xcmd"
	"github.com/MengRao/PubSubQueue/publisher"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	MemoryDir  string
	Topic      string
	QueueSize  string
	Interval   time.Duration
	Count      uint64
	Core       int
}

var rootCmd = &cobra.Command{
	Use:   "pubsub-pub",
	Short: "Demo publisher feeding a shared memory broadcast queue",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(rawCmd, cmd); err != nil {
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
	flags.StringVarP(&cmd.Topic, "topic", "t", "demo", "Topic to publish to")
	flags.StringVar(&cmd.QueueSize, "queue-size", "4KB", "Queue storage capacity")
	flags.DurationVar(&cmd.Interval, "interval", time.Second, "Delay between messages")
	flags.Uint64Var(&cmd.Count, "count", 0, "Stop after publishing this many messages (0 = run forever)")
	flags.IntVar(&cmd.Core, "core", -1, "Pin the publishing thread to this core")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(rawCmd *cobra.Command, cmd Cmd) error {
	cfg, err := makeConfig(rawCmd, cmd)
	if err != nil {
		return err
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	p, err := publisher.New(cfg, publisher.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize publisher: %w", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return p.Run(ctx)
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

// makeConfig loads the configuration file, if any, and applies flag
// overrides on top.
func makeConfig(rawCmd *cobra.Command, cmd Cmd) (*publisher.Config, error) {
	cfg := publisher.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = publisher.LoadConfig(cmd.ConfigPath); err != nil {
			return nil, err
		}
	}

	flags := rawCmd.Flags()
	if flags.Changed("memory-dir") {
		cfg.MemoryDir = cmd.MemoryDir
	}
	if flags.Changed("topic") {
		cfg.Topic = cmd.Topic
	}
	if flags.Changed("queue-size") {
		size, err := datasize.ParseString(cmd.QueueSize)
		if err != nil {
			return nil, fmt.Errorf("failed to parse queue size: %w", err)
		}
		cfg.QueueSize = size
	}
	if flags.Changed("interval") {
		cfg.Interval = cmd.Interval
	}
	if flags.Changed("count") {
		cfg.Count = cmd.Count
	}
	if flags.Changed("core") {
		cfg.Core = cmd.Core
	}
	return cfg, nil
}
