// Package publisher implements the demo driver feeding a shared memory
// broadcast queue with a stream of typed counter messages.
package publisher

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/MengRao/PubSubQueue/internal/cpuset"
	"github.com/MengRao/PubSubQueue/internal/demomsg"
	"github.com/MengRao/PubSubQueue/pubsub"
	"github.com/MengRao/PubSubQueue/shm"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the publisher.
type Option func(*options)

// WithLog sets the logger for the publisher.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Publisher owns the write side of one topic queue. There must be at most
// one publisher per queue.
type Publisher struct {
	cfg      *Config
	seg      *shm.Segment
	queue    *pubsub.Queue
	producer int32
	log      *zap.SugaredLogger
}

// New maps the topic queue read-write, creating it if needed.
func New(cfg *Config, opts ...Option) (*Publisher, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	capacity, err := checkQueueSize(cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.MemoryDir, cfg.Topic)
	seg, err := shm.Attach(path, pubsub.RegionSize(capacity))
	if err != nil {
		return nil, err
	}

	queue, err := pubsub.Attach(seg.Bytes())
	if err != nil {
		seg.Detach()
		return nil, fmt.Errorf("failed to attach queue %q: %w", path, err)
	}

	o.Log.Infow("attached topic queue",
		zap.String("path", path),
		zap.Stringer("capacity", cfg.QueueSize),
		zap.Uint64("blocks", queue.BlockCount()),
	)

	return &Publisher{
		cfg:      cfg,
		seg:      seg,
		queue:    queue,
		producer: int32(os.Getpid()),
		log:      o.Log,
	}, nil
}

// checkQueueSize validates a queue capacity against the block geometry.
func checkQueueSize(size datasize.ByteSize) (int, error) {
	capacity := int(size.Bytes())
	blocks := capacity / pubsub.BlockSize
	if capacity == 0 || capacity%pubsub.BlockSize != 0 || blocks&(blocks-1) != 0 {
		return 0, fmt.Errorf("queue size %s must be a power-of-two multiple of %d bytes", size, pubsub.BlockSize)
	}
	return capacity, nil
}

// Run publishes messages until the context is canceled or Count messages
// are out. Every message is published as a key message so late subscribers
// can attach to the most recent one.
func (p *Publisher) Run(ctx context.Context) error {
	if p.cfg.Core >= 0 {
		if err := cpuset.Pin(p.cfg.Core); err != nil {
			return err
		}
		p.log.Debugw("pinned publisher thread", zap.Int("core", p.cfg.Core))
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	val := int32(1)
	var published uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		msgType := uint32(rand.Intn(demomsg.NumTypes)) + 1
		if err := p.publishOne(msgType, &val); err != nil {
			return err
		}
		published++

		if p.cfg.Count > 0 && published >= p.cfg.Count {
			p.log.Infow("publish count reached", zap.Uint64("published", published))
			return nil
		}
	}
}

func (p *Publisher) publishOne(msgType uint32, val *int32) error {
	n := demomsg.ValCount(msgType)
	msg := demomsg.Msg{
		Type:     msgType,
		Producer: p.producer,
		Vals:     make([]int32, n),
	}
	for i := range msg.Vals {
		msg.Vals[i] = *val
		*val++
	}

	hdr, payload := p.queue.Alloc(uint32(demomsg.EncodedSize(msgType)))
	if hdr == nil {
		return fmt.Errorf("message type %d does not fit a %s queue", msgType, p.cfg.QueueSize)
	}
	hdr.UserData = msgType
	msg.SentNs = time.Now().UnixNano()
	demomsg.Encode(payload, msg)
	p.queue.Pub(true)

	p.log.Debugw("published message",
		zap.Uint32("type", msgType),
		zap.Int32s("vals", msg.Vals),
	)
	return nil
}

// Close detaches from the queue. The queue itself stays behind for late
// subscribers.
func (p *Publisher) Close() error {
	return p.seg.Detach()
}
