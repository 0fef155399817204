// Package memory is an in-process bus.Transport with partitioned logs and
// shared consumer-group cursors. It backs the tests and the e2e binary when no
// broker is configured.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bus/internal/bus"
)

var ErrClosed = errors.New("memory transport closed")

const retryDelay = 10 * time.Millisecond

type Option func(*Transport)

// WithPartitions sets how many partitions each topic has. Defaults to 4.
func WithPartitions(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithDuplicates delivers every record twice, the way a broker does after a
// consumer crashes between handling and committing.
func WithDuplicates() Option {
	return func(t *Transport) { t.duplicates = true }
}

// WithPublishHook lets tests fail or observe publishes. A non-nil error is
// returned from Publish and the record is dropped.
func WithPublishHook(fn func(bus.Record) error) Option {
	return func(t *Transport) { t.hook = fn }
}

type partition struct {
	records []bus.Record
	// signal is closed and replaced on every append.
	signal chan struct{}
}

type cursor struct {
	// owner serializes delivery of one partition across group members.
	owner  sync.Mutex
	offset atomic.Int64
}

type groupKey struct {
	topic, group string
	partition    int
}

type Transport struct {
	mu      sync.Mutex
	topics  map[string][]*partition
	cursors map[groupKey]*cursor
	closed  bool

	partitions int
	duplicates bool
	hook       func(bus.Record) error
	logger     *zap.Logger
}

func New(logger *zap.Logger, opts ...Option) *Transport {
	t := &Transport{
		topics:     make(map[string][]*partition),
		cursors:    make(map[groupKey]*cursor),
		partitions: 4,
		logger:     logger.Named("memory-transport"),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Publish(ctx context.Context, rec bus.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.hook != nil {
		if err := t.hook(rec); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	parts := t.topicLocked(rec.Topic)
	rec.Partition = bus.PartitionFor(rec.Key, len(parts))
	rec.Headers = maps.Clone(rec.Headers)

	p := parts[rec.Partition]
	rec.Offset = int64(len(p.records))
	p.records = append(p.records, rec)
	close(p.signal)
	p.signal = make(chan struct{})

	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic, group string, fn bus.DeliveryFunc) error {
	if group == "" {
		return fmt.Errorf("subscribe %s: group is required", topic)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	n := len(t.topicLocked(topic))
	t.mu.Unlock()

	logger := t.logger.With(zap.String("topic", topic), zap.String("group", group))
	logger.Debug("subscribed", zap.Int("partitions", n))

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.consume(ctx, logger, topic, group, i, fn)
		}()
	}
	wg.Wait()

	return nil
}

func (t *Transport) consume(ctx context.Context, logger *zap.Logger, topic, group string, part int, fn bus.DeliveryFunc) {
	c := t.cursor(topic, group, part)

	for {
		rec, signal, ok := t.next(c, topic, part)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				continue
			}
		}

		err := t.deliver(ctx, c, rec, fn)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Debug("delivery failed, will redeliver",
				zap.Int("partition", part),
				zap.Int64("offset", rec.Offset),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

// deliver hands rec to fn while holding the partition for the group, and
// advances the cursor only if fn succeeded.
func (t *Transport) deliver(ctx context.Context, c *cursor, rec bus.Record, fn bus.DeliveryFunc) error {
	c.owner.Lock()
	defer c.owner.Unlock()

	// another member may have committed this offset while we waited
	if c.offset.Load() != rec.Offset {
		return nil
	}

	if err := fn(ctx, rec); err != nil {
		return err
	}
	if t.duplicates {
		if err := fn(ctx, rec); err != nil {
			return err
		}
	}

	c.offset.Add(1)
	return nil
}

func (t *Transport) next(c *cursor, topic string, part int) (bus.Record, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.topics[topic][part]

	offset := c.offset.Load()
	if offset < int64(len(p.records)) {
		return p.records[offset], nil, true
	}

	return bus.Record{}, p.signal, false
}

func (t *Transport) cursor(topic, group string, part int) *cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := groupKey{topic: topic, group: group, partition: part}
	c, ok := t.cursors[k]
	if !ok {
		c = &cursor{}
		t.cursors[k] = c
	}

	return c
}

func (t *Transport) topicLocked(name string) []*partition {
	parts, ok := t.topics[name]
	if !ok {
		parts = make([]*partition, t.partitions)
		for i := range parts {
			parts[i] = &partition{signal: make(chan struct{})}
		}
		t.topics[name] = parts
	}

	return parts
}

// Records returns a copy of everything published to topic, partition by
// partition.
func (t *Transport) Records(topic string) []bus.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []bus.Record
	for _, p := range t.topics[topic] {
		out = append(out, p.records...)
	}

	return out
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return nil
}
