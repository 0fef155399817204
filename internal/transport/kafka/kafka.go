// Package kafka is a bus.Transport over Apache Kafka. Records are partitioned
// by key with the hash balancer and consumed through consumer groups, with
// offsets committed only after delivery succeeds.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"bus/internal/bus"
)

const retryDelay = 250 * time.Millisecond

type Config struct {
	Brokers      []string      `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	StartOffset  string        `env:"START_OFFSET" envDefault:"earliest"` // earliest or latest
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxWait      time.Duration `env:"MAX_WAIT" envDefault:"1s"`

	// ReplyStartOffset applies to groups marked with WithReplyGroups. A new
	// reply group has no use for responses to calls made before it existed.
	ReplyStartOffset string `env:"REPLY_START_OFFSET" envDefault:"latest"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Option func(*options)

type options struct {
	replyGroup func(group string) bool
}

// WithReplyGroups marks the consumer groups that read reply topics, so they
// start from ReplyStartOffset when the group is new.
func WithReplyGroups(match func(group string) bool) Option {
	return func(o *options) { o.replyGroup = match }
}

type Transport struct {
	writer    writer
	newReader func(topic, group string) reader
	logger    *zap.Logger
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Transport {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxAttempts,
		ReadTimeout:            cfg.WriteTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	newReader := func(topic, group string) reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     group,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     cfg.MaxWait,
			Dialer:      dialer,
			StartOffset: cfg.startOffsetFor(group, o.replyGroup),
		})
	}

	return newTransport(w, newReader, logger)
}

func newTransport(w writer, newReader func(topic, group string) reader, logger *zap.Logger) *Transport {
	return &Transport{
		writer:    w,
		newReader: newReader,
		logger:    logger.Named("kafka-transport"),
	}
}

func (t *Transport) Publish(ctx context.Context, rec bus.Record) error {
	msg := kafka.Message{
		Topic:   rec.Topic,
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: toHeaders(rec.Headers),
	}

	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic, group string, fn bus.DeliveryFunc) error {
	logger := t.logger.With(zap.String("topic", topic), zap.String("group", group))

	r := t.newReader(topic, group)
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("failed to close reader", zap.Error(err))
		}
	}()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		rec := fromMessage(m)
		if !t.deliver(ctx, logger, rec, fn) {
			return nil
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", m.Offset, err)
		}
	}
}

// deliver retries fn on the same record until it succeeds, keeping the
// partition blocked so later records are not committed past it. It returns
// false once ctx is done.
func (t *Transport) deliver(ctx context.Context, logger *zap.Logger, rec bus.Record, fn bus.DeliveryFunc) bool {
	for {
		err := fn(ctx, rec)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		logger.Warn("delivery failed, retrying",
			zap.Int("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay):
		}
	}
}

func (c Config) startOffsetFor(group string, replyGroup func(string) bool) int64 {
	name := c.StartOffset
	if replyGroup != nil && replyGroup(group) {
		name = c.ReplyStartOffset
	}
	if strings.EqualFold(name, "latest") {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

func (t *Transport) Close() error {
	return t.writer.Close()
}

func toHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromMessage(m kafka.Message) bus.Record {
	var headers map[string]string
	if len(m.Headers) > 0 {
		headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}
	}

	return bus.Record{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
	}
}
