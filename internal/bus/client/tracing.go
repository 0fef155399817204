package client

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bus/internal/bus"
	"bus/internal/bus/tracing"
)

// TracedClient wraps a bus.Client with distributed tracing
// Layer order: TracedClient -> MetricsClient -> Client (real thing)
type TracedClient struct {
	client bus.Client
	tracer *tracing.Tracer
}

// NewTracedClient creates a new traced client that wraps a metrics client
func NewTracedClient(client bus.Client, tracer *tracing.Tracer) bus.Client {
	return &TracedClient{
		client: client,
		tracer: tracer,
	}
}

// Publish implements bus.Client.Publish. The span is active while the real
// client encodes, so its context ends up in the envelope headers.
func (c *TracedClient) Publish(ctx context.Context, topic, key string, evt bus.Event) error {
	ctx, span := c.tracer.StartSpan(ctx, "bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(c.tracer.MessagingAttributes(topic, evt.Type())...)
	span.SetAttributes(
		attribute.String("bus.event_id", evt.ID()),
		attribute.String("bus.key", key),
	)

	err := c.client.Publish(ctx, topic, key, evt)
	c.tracer.End(span, err)

	return err
}

// Subscribe implements bus.Client.Subscribe, opening a consumer span per
// delivery as a child of the producer's span.
func (c *TracedClient) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	return c.client.Subscribe(ctx, topic, group, func(ctx context.Context, msg bus.Message) error {
		ctx, span := c.tracer.StartSpan(ctx, "bus.deliver", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(c.tracer.ConsumerAttributes(topic, group, msg.Envelope.Type)...)
		span.SetAttributes(
			attribute.String("bus.event_id", msg.Envelope.ID),
			attribute.Int("bus.partition", msg.Partition),
			attribute.Int64("bus.offset", msg.Offset),
		)
		if msg.Envelope.CorrelationID != "" {
			span.SetAttributes(attribute.String("bus.correlation_id", msg.Envelope.CorrelationID))
		}

		err := h(ctx, msg)
		c.tracer.End(span, err)

		return err
	})
}
