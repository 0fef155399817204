// Package publisher sends fire-and-forget domain events, keyed by aggregate so
// that events about one aggregate stay in order.
package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"bus/internal/bus"
	"bus/internal/validator"
)

type Publisher struct {
	client bus.Client
	logger *zap.Logger
}

func New(client bus.Client, logger *zap.Logger) (*Publisher, error) {
	p := Publisher{
		client: client,
		logger: logger,
	}

	if err := validator.Validate("publisher", p.client, p.logger); err != nil {
		return nil, fmt.Errorf("failed to validate publisher deps: %w", err)
	}
	p.logger = p.logger.Named("publisher")

	return &p, nil
}

func (p *Publisher) Publish(ctx context.Context, evt bus.DomainEvent) error {
	if evt.AggregateID() == "" {
		return fmt.Errorf("publish %s %s: empty aggregate id", evt.Type(), evt.ID())
	}

	if err := p.client.Publish(ctx, evt.Topic(), evt.AggregateID(), evt); err != nil {
		p.logger.Warn("failed to publish domain event",
			zap.String("eventId", evt.ID()),
			zap.String("eventType", evt.Type()),
			zap.String("aggregateId", evt.AggregateID()),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// PublishBatch publishes evts in order and stops at the first failure, so a
// later event is never sent without the ones before it.
func (p *Publisher) PublishBatch(ctx context.Context, evts ...bus.DomainEvent) error {
	for i, evt := range evts {
		if err := p.Publish(ctx, evt); err != nil {
			return fmt.Errorf("batch stopped at event %d of %d: %w", i+1, len(evts), err)
		}
	}

	return nil
}
