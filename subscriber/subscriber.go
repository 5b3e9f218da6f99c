// Package subscriber implements the demo driver draining one or more shared
// memory broadcast queues without ever coordinating with their publishers.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/MengRao/PubSubQueue/internal/cpuset"
	"github.com/MengRao/PubSubQueue/pubsub"
	"github.com/MengRao/PubSubQueue/shm"
)

// Record is one message delivered to the handler. Data aliases the internal
// read buffer and is only valid for the duration of the call; copy it to
// retain.
type Record struct {
	Topic    string
	UserData uint32
	Data     []byte
}

// Handler consumes records as they are read.
type Handler func(Record)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the subscriber.
type Option func(*options)

// WithLog sets the logger for the subscriber.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// topicReader is the per-topic read state: the mapped queue plus the
// subscriber's private index.
type topicReader struct {
	name string
	seg  *shm.Segment
	q    *pubsub.Queue
	idx  uint64
	buf  []byte
}

// Subscriber polls a set of topic queues and hands each raw record to a
// handler. Each subscriber owns nothing but its per-topic read index, so any
// number of them can run against the same queues.
type Subscriber struct {
	cfg     *Config
	topics  []*topicReader
	handler Handler
	log     *zap.SugaredLogger
}

// New attaches to every configured topic. Existing queues are mapped
// read-only; a missing queue is created empty so the subscriber may start
// before the publisher.
func New(cfg *Config, handler Handler, opts ...Option) (*Subscriber, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("no topics configured")
	}
	if cfg.BufferSize < pubsub.HeaderSize {
		return nil, fmt.Errorf("buffer size %s cannot hold a message header", cfg.BufferSize)
	}

	m := &Subscriber{
		cfg:     cfg,
		handler: handler,
		log:     o.Log,
	}

	regionSize := pubsub.RegionSize(int(cfg.QueueSize.Bytes()))
	for _, topic := range cfg.Topics {
		path := filepath.Join(cfg.MemoryDir, topic)

		seg, err := shm.AttachReadOnly(path, regionSize)
		if errors.Is(err, os.ErrNotExist) {
			o.Log.Debugw("queue does not exist yet, creating it", zap.String("path", path))
			seg, err = shm.Attach(path, regionSize)
		}
		if err != nil {
			m.Close()
			return nil, err
		}

		q, err := pubsub.Attach(seg.Bytes())
		if err != nil {
			seg.Detach()
			m.Close()
			return nil, fmt.Errorf("failed to attach queue %q: %w", path, err)
		}

		m.topics = append(m.topics, &topicReader{
			name: topic,
			seg:  seg,
			q:    q,
			idx:  q.Sub(cfg.FromKey),
			buf:  make([]byte, cfg.BufferSize.Bytes()),
		})
	}

	return m, nil
}

// Run polls the topics until the context is canceled. While all queues are
// quiet it idles with exponential backoff, reset as soon as any topic makes
// progress.
func (m *Subscriber) Run(ctx context.Context) error {
	if m.cfg.Core >= 0 {
		if err := cpuset.Pin(m.cfg.Core); err != nil {
			return err
		}
		m.log.Debugw("pinned subscriber thread", zap.Int("core", m.cfg.Core))
	}

	idle := backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.IdleMin,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.IdleMax,
		Clock:               backoff.SystemClock,
	}
	idle.Reset()

	for {
		progressed := false
		for _, tr := range m.topics {
			if m.pollTopic(tr) {
				progressed = true
			}
		}
		if progressed {
			idle.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle.NextBackOff()):
		}
	}
}

// pollTopic reads at most one message and reports whether the topic state
// changed.
func (m *Subscriber) pollTopic(tr *topicReader) bool {
	switch res := tr.q.Read(&tr.idx, tr.buf); res {
	case pubsub.ReadOK:
		hdr := pubsub.ParseHeader(tr.buf)
		m.handler(Record{
			Topic:    tr.name,
			UserData: hdr.UserData,
			Data:     tr.buf[pubsub.HeaderSize:hdr.Size],
		})
		return true

	case pubsub.ReadAgain:
		return false

	case pubsub.ReadBuffTooShort:
		// The header made it into the buffer, so resize and retry.
		hdr := pubsub.ParseHeader(tr.buf)
		m.log.Debugw("growing read buffer",
			zap.String("topic", tr.name),
			zap.Uint32("size", hdr.Size),
		)
		tr.buf = make([]byte, hdr.Size)
		return true

	case pubsub.ReadNeedReSub:
		m.log.Warnw("fell behind the publisher, resubscribing",
			zap.String("topic", tr.name),
			zap.Uint64("idx", tr.idx),
		)
		tr.idx = tr.q.Sub(m.cfg.FromKey)
		return true

	default:
		m.log.Errorw("unexpected read result", zap.Stringer("result", res))
		return false
	}
}

// Close detaches from all topic queues.
func (m *Subscriber) Close() error {
	var firstErr error
	for _, tr := range m.topics {
		if err := tr.seg.Detach(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.topics = nil
	return firstErr
}
