// pubsub-stress runs one publisher and several subscribers over a single
// in-process queue region, validating that every subscriber observes the
// value stream in order and loses data only across resubscribes.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MengRao/PubSubQueue/internal/demomsg"
	"github.com/MengRao/PubSubQueue/internal/logging"
	"github.com/MengRao/PubSubQueue/pubsub"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	QueueSize   string
	Subscribers int
	Values      int64
}

var rootCmd = &cobra.Command{
	Use:   "pubsub-stress",
	Short: "In-process stress run for the broadcast queue",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cmd.QueueSize, "queue-size", "4KB", "Queue storage capacity")
	flags.IntVar(&cmd.Subscribers, "subscribers", 4, "Number of concurrent subscribers")
	flags.Int64Var(&cmd.Values, "values", 10000000, "Counter values to push through the queue")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, _, err := logging.Init(&logging.Config{Level: zap.InfoLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	size, err := datasize.ParseString(cmd.QueueSize)
	if err != nil {
		return fmt.Errorf("failed to parse queue size: %w", err)
	}

	queue, err := pubsub.Attach(pubsub.NewRegion(int(size.Bytes())))
	if err != nil {
		return err
	}

	log.Infow("starting stress run",
		zap.Stringer("queue_size", size),
		zap.Int("subscribers", cmd.Subscribers),
		zap.Int64("values", cmd.Values),
	)
	start := time.Now()

	var done atomic.Bool
	var g errgroup.Group
	for sub := 0; sub < cmd.Subscribers; sub++ {
		sub := sub
		g.Go(func() error {
			return runSubscriber(queue, sub, cmd.Values, &done, log)
		})
	}
	g.Go(func() error {
		defer done.Store(true)
		return runPublisher(queue, cmd.Values)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Infow("stress run passed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func runPublisher(queue *pubsub.Queue, values int64) error {
	producer := int32(os.Getpid())
	val := int32(1)
	for int64(val) <= values {
		msgType := uint32(int(val)%demomsg.NumTypes) + 1
		msg := demomsg.Msg{
			Type:     msgType,
			SentNs:   time.Now().UnixNano(),
			Producer: producer,
			Vals:     make([]int32, demomsg.ValCount(msgType)),
		}
		for i := range msg.Vals {
			msg.Vals[i] = val
			val++
		}

		hdr, payload := queue.Alloc(uint32(demomsg.EncodedSize(msgType)))
		if hdr == nil {
			return fmt.Errorf("queue too small for message type %d", msgType)
		}
		hdr.UserData = msgType
		demomsg.Encode(payload, msg)
		queue.Pub(true)

		runtime.Gosched()
	}
	return nil
}

func runSubscriber(queue *pubsub.Queue, sub int, values int64, done *atomic.Bool, log *zap.SugaredLogger) error {
	slog := log.With(zap.Int("subscriber", sub))

	idx := queue.Sub(true)
	buf := make([]byte, 1024)
	var (
		last    int64
		records uint64
		resubs  uint64
		gaps    uint64
	)
	// The initial attach may land mid-stream on a key message, so the first
	// record is allowed to start anywhere.
	lapped := true

	for last < values {
		switch queue.Read(&idx, buf) {
		case pubsub.ReadOK:
			hdr := pubsub.ParseHeader(buf)
			msg, err := demomsg.Decode(hdr.UserData, buf[pubsub.HeaderSize:hdr.Size])
			if err != nil {
				return fmt.Errorf("subscriber %d: %w", sub, err)
			}
			for _, v := range msg.Vals {
				got := int64(v)
				switch {
				case got <= last:
					return fmt.Errorf("subscriber %d: value went backwards: got %d after %d", sub, got, last)
				case got != last+1 && !lapped:
					return fmt.Errorf("subscriber %d: lost data without a lap: expected %d, got %d", sub, last+1, got)
				case got != last+1:
					gaps++
				}
				last = got
			}
			lapped = false
			records++

		case pubsub.ReadAgain:
			if done.Load() && last < values {
				// Everything committed is consumed; the tail was lost to a
				// final lap and nothing more is coming.
				slog.Debugw("stream ended early", zap.Int64("last", last))
				last = values
			}
			runtime.Gosched()

		case pubsub.ReadNeedReSub:
			idx = queue.Sub(true)
			resubs++
			lapped = true

		case pubsub.ReadBuffTooShort:
			return fmt.Errorf("subscriber %d: read buffer too short", sub)
		}
	}

	if records == 0 {
		return errors.New("subscriber read no records")
	}
	slog.Infow("subscriber finished",
		zap.Uint64("records", records),
		zap.Uint64("resubs", resubs),
		zap.Uint64("gaps", gaps),
	)
	return nil
}
