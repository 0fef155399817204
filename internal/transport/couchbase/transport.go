// Package couchbase is a bus.Transport that keeps topics as sharded message
// logs in Couchbase. Offsets come from per-shard counters, consumer groups
// track a cursor per shard, and leases keep members of a group from handling
// the same message at once.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bus/internal/bus"
	"bus/internal/validator"
)

// Config tunes the log transport.
type Config struct {
	Shards       int           `env:"SHARDS" envDefault:"4"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"50"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"200ms"`
	LeaseTTL     time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	// GapTimeout is how long a missing offset blocks a shard before it is
	// skipped. Gaps come from publishers that allocated an offset and then
	// failed to insert the message.
	GapTimeout time.Duration `env:"GAP_TIMEOUT" envDefault:"5s"`
	MessageTTL time.Duration `env:"MESSAGE_TTL" envDefault:"168h"`
}

type Transport struct {
	log    Log
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(log Log, config Config, logger *zap.Logger) (*Transport, error) {
	t := Transport{
		log:    log,
		config: config,
		logger: logger,
		now:    time.Now,
	}

	if err := validator.Validate("couchbase transport", t.log, t.logger, t.config.Shards, t.config.BatchSize, t.config.PollInterval, t.config.LeaseTTL); err != nil {
		return nil, fmt.Errorf("failed to validate couchbase transport deps: %w", err)
	}

	return &t, nil
}

// Publish appends rec to the shard its key maps to.
func (t *Transport) Publish(ctx context.Context, rec bus.Record) error {
	shard := bus.PartitionFor(rec.Key, t.config.Shards)

	offset, err := t.log.NextOffset(ctx, rec.Topic, shard)
	if err != nil {
		return err
	}

	msg := Message{
		ID:          MessageKey(rec.Topic, shard, offset),
		Topic:       rec.Topic,
		Shard:       shard,
		Offset:      offset,
		Key:         rec.Key,
		Headers:     rec.Headers,
		Value:       rec.Value,
		PublishTime: t.now().UTC(),
	}
	if err := t.log.InsertMessage(ctx, msg); err != nil {
		return err
	}

	t.logger.Debug("message published",
		zap.String("topic", rec.Topic),
		zap.Int("shard", shard),
		zap.Uint64("offset", offset),
	)

	return nil
}

// Subscribe polls every shard of topic for group until ctx is done.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, fn bus.DeliveryFunc) error {
	var wg sync.WaitGroup
	for shard := range t.config.Shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.consume(ctx, topic, group, shard, fn)
		}()
	}
	wg.Wait()

	return nil
}

func (t *Transport) Close() error {
	return nil
}

func (t *Transport) consume(ctx context.Context, topic, group string, shard int, fn bus.DeliveryFunc) {
	logger := t.logger.With(zap.String("topic", topic), zap.String("group", group), zap.Int("shard", shard))
	logger.Info("consuming shard")

	var g gap
	for {
		progressed, err := t.poll(ctx, logger, topic, group, shard, &g, fn)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("failed to poll shard", zap.Error(err))
		}
		if progressed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.config.PollInterval):
		}
	}
}

// poll delivers the contiguous run of messages after the group's cursor and
// reports whether the cursor moved.
func (t *Transport) poll(ctx context.Context, logger *zap.Logger, topic, group string, shard int, g *gap, fn bus.DeliveryFunc) (bool, error) {
	next, err := t.log.GetCursor(ctx, topic, group, shard)
	if err != nil {
		return false, err
	}

	msgs, err := t.log.LoadMessages(ctx, topic, shard, next, t.config.BatchSize)
	if err != nil {
		return false, err
	}

	progressed := false
	for _, msg := range msgs {
		if msg.Offset != next {
			if !g.expired(next, t.now(), t.config.GapTimeout) {
				return progressed, nil
			}
			logger.Warn("skipping missing offsets",
				zap.Uint64("from", next),
				zap.Uint64("to", msg.Offset),
			)
		}
		g.reset()

		done, err := t.handle(ctx, logger, group, msg, fn)
		if err != nil || !done {
			return progressed, err
		}

		next = msg.Offset + 1
		progressed = true
	}

	return progressed, nil
}

// handle leases msg, delivers it and commits past it. It reports false when the
// message was not committed, either because another member holds it or
// because delivery failed.
func (t *Transport) handle(ctx context.Context, logger *zap.Logger, group string, msg Message, fn bus.DeliveryFunc) (bool, error) {
	logger = logger.With(zap.String("messageId", msg.ID), zap.Uint64("offset", msg.Offset))

	err := t.log.InsertLease(ctx, group, msg, t.config.LeaseTTL)
	switch {
	case errors.Is(err, ErrLeased):
		logger.Debug("message leased by another member")
		return false, nil
	case err != nil:
		return false, err
	}
	defer t.release(ctx, logger, group, msg)

	// a member that finished msg commits before it releases, so the cursor is
	// already past msg if we won the lease after that
	cur, err := t.log.GetCursor(ctx, msg.Topic, group, msg.Shard)
	if err != nil {
		return false, err
	}
	if cur > msg.Offset {
		return true, nil
	}

	rec := bus.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   msg.Headers,
		Partition: msg.Shard,
		Offset:    int64(msg.Offset),
	}
	if err := fn(ctx, rec); err != nil {
		if ctx.Err() == nil {
			logger.Warn("delivery failed, message will be redelivered", zap.Error(err))
		}
		return false, nil
	}

	if err := t.log.CommitCursor(ctx, msg.Topic, group, msg.Shard, msg.Offset+1); err != nil {
		return false, err
	}

	return true, nil
}

func (t *Transport) release(ctx context.Context, logger *zap.Logger, group string, msg Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := t.log.DeleteLease(ctx, group, msg.ID); err != nil {
		logger.Warn("failed to release lease", zap.Error(err))
	}
}

// gap tracks how long a shard has been waiting on one missing offset.
type gap struct {
	offset uint64
	since  time.Time
}

func (g *gap) expired(offset uint64, now time.Time, timeout time.Duration) bool {
	if g.since.IsZero() || g.offset != offset {
		g.offset = offset
		g.since = now
		return false
	}
	return now.Sub(g.since) >= timeout
}

func (g *gap) reset() {
	g.since = time.Time{}
}
