package couchbase

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bus/internal/bus/tracing"
)

// TracedLog wraps a Log with distributed tracing
// Layer order: TracedLog -> MetricsLog -> Store (real thing)
type TracedLog struct {
	log    Log
	tracer *tracing.Tracer
}

// NewTracedLog creates a new traced log that wraps a metrics log
func NewTracedLog(log Log, tracer *tracing.Tracer) Log {
	return &TracedLog{
		log:    log,
		tracer: tracer,
	}
}

func (l *TracedLog) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := l.tracer.StartSpan(ctx, "couchbase."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(l.tracer.DatabaseAttributes("couchbase", op)...)
	span.SetAttributes(attrs...)
	return ctx, span
}

func (l *TracedLog) NextOffset(ctx context.Context, topic string, shard int) (uint64, error) {
	ctx, span := l.start(ctx, "next_offset", attribute.String("bus.topic", topic), attribute.Int("bus.shard", shard))

	n, err := l.log.NextOffset(ctx, topic, shard)
	span.SetAttributes(attribute.Int64("bus.offset", int64(n)))
	l.tracer.End(span, err)

	return n, err
}

func (l *TracedLog) InsertMessage(ctx context.Context, msg Message) error {
	ctx, span := l.start(ctx, "insert_message",
		attribute.String("bus.topic", msg.Topic),
		attribute.Int("bus.shard", msg.Shard),
		attribute.Int64("bus.offset", int64(msg.Offset)),
	)

	err := l.log.InsertMessage(ctx, msg)
	l.tracer.End(span, err)

	return err
}

func (l *TracedLog) LoadMessages(ctx context.Context, topic string, shard int, from uint64, limit int) ([]Message, error) {
	ctx, span := l.start(ctx, "load_messages",
		attribute.String("bus.topic", topic),
		attribute.Int("bus.shard", shard),
		attribute.Int64("bus.offset", int64(from)),
	)

	msgs, err := l.log.LoadMessages(ctx, topic, shard, from, limit)
	span.SetAttributes(attribute.Int("bus.messages_loaded", len(msgs)))
	l.tracer.End(span, err)

	return msgs, err
}

func (l *TracedLog) GetCursor(ctx context.Context, topic, group string, shard int) (uint64, error) {
	ctx, span := l.start(ctx, "get_cursor",
		attribute.String("bus.topic", topic),
		attribute.String("bus.group", group),
		attribute.Int("bus.shard", shard),
	)

	n, err := l.log.GetCursor(ctx, topic, group, shard)
	l.tracer.End(span, err)

	return n, err
}

func (l *TracedLog) CommitCursor(ctx context.Context, topic, group string, shard int, next uint64) error {
	ctx, span := l.start(ctx, "commit_cursor",
		attribute.String("bus.topic", topic),
		attribute.String("bus.group", group),
		attribute.Int("bus.shard", shard),
		attribute.Int64("bus.offset", int64(next)),
	)

	err := l.log.CommitCursor(ctx, topic, group, shard, next)
	l.tracer.End(span, err)

	return err
}

func (l *TracedLog) InsertLease(ctx context.Context, group string, msg Message, ttl time.Duration) error {
	ctx, span := l.start(ctx, "insert_lease",
		attribute.String("bus.group", group),
		attribute.String("bus.message_id", msg.ID),
	)

	err := l.log.InsertLease(ctx, group, msg, ttl)
	if errors.Is(err, ErrLeased) {
		span.SetAttributes(attribute.Bool("bus.lease_contended", true))
		l.tracer.End(span, nil)
		return err
	}
	l.tracer.End(span, err)

	return err
}

func (l *TracedLog) DeleteLease(ctx context.Context, group, msgID string) error {
	ctx, span := l.start(ctx, "delete_lease",
		attribute.String("bus.group", group),
		attribute.String("bus.message_id", msgID),
	)

	err := l.log.DeleteLease(ctx, group, msgID)
	l.tracer.End(span, err)

	return err
}
