// Package client is the event bus façade: it encodes events onto a Transport,
// decodes deliveries, and filters redelivered events before they reach a
// handler.
package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bus/internal/bus"
	"bus/internal/bus/tracing"
	"bus/internal/validator"
)

const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
)

type Client struct {
	transport  bus.Transport
	codec      *bus.Codec
	producer   string
	deduper    bus.Deduper
	deadLetter bus.DeadLetter
	tracer     *tracing.Tracer
	logger     *zap.Logger
}

type Option func(*Client)

// WithDeduper drops deliveries whose event id the group has already claimed.
func WithDeduper(d bus.Deduper) Option {
	return func(c *Client) { c.deduper = d }
}

// WithDeadLetter forwards undecodable deliveries to d.
func WithDeadLetter(d bus.DeadLetter) Option {
	return func(c *Client) { c.deadLetter = d }
}

// WithTracer sets the propagator used to carry trace context in envelope
// headers. Spans themselves are created by TracedClient.
func WithTracer(t *tracing.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func New(transport bus.Transport, codec *bus.Codec, producer string, logger *zap.Logger, opts ...Option) (*Client, error) {
	c := Client{
		transport: transport,
		codec:     codec,
		producer:  producer,
		tracer:    tracing.NewNoop(),
		logger:    logger,
	}

	if err := validator.Validate("client", c.transport, c.codec, c.producer, c.logger); err != nil {
		return nil, fmt.Errorf("failed to validate client deps: %w", err)
	}

	for _, opt := range opts {
		opt(&c)
	}
	c.logger = c.logger.Named("client")

	return &c, nil
}

func (c *Client) Publish(ctx context.Context, topic, key string, evt bus.Event) error {
	if topic == "" {
		return errors.New("publish: empty topic")
	}

	headers := c.tracer.Inject(ctx, nil)
	data, err := c.codec.Encode(evt, c.producer, headers)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	rec := bus.Record{
		Topic: topic,
		Key:   key,
		Value: data,
		Headers: map[string]string{
			HeaderEventID:   evt.ID(),
			HeaderEventType: evt.Type(),
		},
	}
	if err := c.transport.Publish(ctx, rec); err != nil {
		return &bus.TransportError{Op: "publish", Topic: topic, Err: err}
	}

	c.logger.Debug("published event",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("eventId", evt.ID()),
		zap.String("eventType", evt.Type()),
	)

	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	logger := c.logger.With(zap.String("topic", topic), zap.String("group", group))
	logger.Info("subscribing")

	err := c.transport.Subscribe(ctx, topic, group, func(ctx context.Context, rec bus.Record) error {
		return c.deliver(ctx, logger, group, rec, h)
	})
	if err != nil {
		return &bus.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}

	return nil
}

// deliver decodes rec and hands it to h at most once per (group, event id)
// that h completed. Records that cannot be decoded are acknowledged so they
// never block the partition. An error from h is returned to the transport
// uncommitted.
func (c *Client) deliver(ctx context.Context, logger *zap.Logger, group string, rec bus.Record, h bus.Handler) error {
	evt, env, err := c.codec.Decode(rec.Value)
	if err != nil {
		logger.Warn("dropping undecodable delivery",
			zap.Int("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.String("eventId", env.ID),
			zap.String("eventType", env.Type),
			zap.Error(err),
		)
		c.sendDeadLetter(ctx, logger, rec, err)
		return nil
	}

	ctx = c.tracer.Extract(ctx, env.Headers)

	if c.deduper != nil {
		first, err := c.deduper.Claim(ctx, group, env.ID)
		switch {
		case err != nil:
			// fail open: a duplicate is cheaper than a lost event
			logger.Warn("dedupe claim failed, delivering anyway", zap.String("eventId", env.ID), zap.Error(err))
		case !first:
			logger.Debug("skipping duplicate delivery",
				zap.String("eventId", env.ID),
				zap.String("eventType", env.Type),
				zap.Int64("offset", rec.Offset),
			)
			return nil
		}
	}

	claimed := c.deduper != nil
	err = h(ctx, bus.Message{
		Topic:     rec.Topic,
		Group:     group,
		Key:       rec.Key,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Envelope:  env,
		Event:     evt,
		Raw:       rec.Value,
	})
	if err != nil && claimed {
		// the transport redelivers a failed record, which must not look like a duplicate
		if relErr := c.deduper.Release(context.WithoutCancel(ctx), group, env.ID); relErr != nil {
			logger.Warn("failed to release dedupe claim", zap.String("eventId", env.ID), zap.Error(relErr))
		}
	}

	return err
}

func (c *Client) sendDeadLetter(ctx context.Context, logger *zap.Logger, rec bus.Record, reason error) {
	if c.deadLetter == nil {
		return
	}
	if err := c.deadLetter.Send(ctx, rec, reason); err != nil {
		logger.Error("failed to dead-letter delivery", zap.Int64("offset", rec.Offset), zap.Error(err))
	}
}
