package client

import (
	"context"
	"time"

	"bus/internal/bus"
	"bus/internal/bus/metrics"
)

// MetricsClient wraps a bus.Client with metrics collection
type MetricsClient struct {
	client   bus.Client
	registry *metrics.Registry
}

// NewMetricsClient creates a new instrumented client
func NewMetricsClient(client bus.Client, registry *metrics.Registry) bus.Client {
	return &MetricsClient{
		client:   client,
		registry: registry,
	}
}

// Publish implements bus.Client.Publish with metrics collection
func (c *MetricsClient) Publish(ctx context.Context, topic, key string, evt bus.Event) error {
	start := time.Now()

	err := c.client.Publish(ctx, topic, key, evt)

	c.registry.RecordPublish(topic, time.Since(start), err)

	return err
}

// Subscribe implements bus.Client.Subscribe, counting every delivery that
// reaches h
func (c *MetricsClient) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	return c.client.Subscribe(ctx, topic, group, func(ctx context.Context, msg bus.Message) error {
		err := h(ctx, msg)

		status := "handled"
		if err != nil {
			status = "error"
		}
		c.registry.RecordDelivery(topic, group, status)

		return err
	})
}
