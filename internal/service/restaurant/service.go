// Package restaurant answers table availability requests and publishes
// restaurant lifecycle events.
package restaurant

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"bus/internal/bus"
	"bus/internal/bus/dispatcher"
	"bus/internal/bus/gateway"
	"bus/internal/bus/publisher"
	"bus/internal/events"
	"bus/internal/validator"
)

// Group is the consumer group restaurant instances share on the request topic.
const Group = "restaurant"

type Service struct {
	inventory Inventory
	publisher *publisher.Publisher
	logger    *zap.Logger
}

func New(inventory Inventory, publisher *publisher.Publisher, logger *zap.Logger) (*Service, error) {
	s := Service{
		inventory: inventory,
		publisher: publisher,
		logger:    logger,
	}

	if err := validator.Validate("restaurant service", s.inventory, s.publisher, s.logger); err != nil {
		return nil, fmt.Errorf("failed to validate restaurant service deps: %w", err)
	}
	s.logger = s.logger.Named("restaurant")

	return &s, nil
}

// Register serves FindAvailableTable requests from d and subscribes d to the
// request topic.
func (s *Service) Register(d *dispatcher.Dispatcher, client bus.Client, workers int) error {
	if err := gateway.Serve(d, client, s.FindAvailableTable); err != nil {
		return fmt.Errorf("failed to serve %s: %w", events.TypeFindAvailableTableRequest, err)
	}

	return d.Subscribe(events.TopicRestaurantRequests, Group, workers)
}

// FindAvailableTable lists the tables that seat the party, smallest first. An
// unknown restaurant has no tables.
func (s *Service) FindAvailableTable(ctx context.Context, req events.FindAvailableTableRequest) (bus.Response, error) {
	logger := s.logger.With(
		zap.String("correlationId", req.CorrelationID()),
		zap.String("restaurantId", req.RestaurantID),
		zap.Int("partySize", req.PartySize),
	)

	r, err := s.inventory.Get(ctx, req.RestaurantID)
	switch {
	case errors.Is(err, ErrUnknownRestaurant):
		logger.Debug("availability requested for unknown restaurant")
		return events.NewFindAvailableTableResponse(req.RestaurantID, nil), nil
	case err != nil:
		return nil, fmt.Errorf("failed to load restaurant %s: %w", req.RestaurantID, err)
	}

	var fits []Table
	if req.PartySize > 0 {
		for _, t := range r.Tables {
			if t.Seats >= req.PartySize {
				fits = append(fits, t)
			}
		}
	}
	slices.SortStableFunc(fits, func(a, b Table) int { return cmp.Compare(a.Seats, b.Seats) })

	ids := make([]string, 0, len(fits))
	for _, t := range fits {
		ids = append(ids, t.ID)
	}

	logger.Debug("availability computed", zap.Int("tablesAvailable", len(ids)))

	return events.NewFindAvailableTableResponse(r.ID, ids), nil
}

// Rename changes a restaurant's name and publishes the change.
func (s *Service) Rename(ctx context.Context, id, name string) error {
	return s.Update(ctx, id, func(r *Restaurant) { r.Name = name })
}

// SetTables replaces a restaurant's tables and publishes the capacity change.
func (s *Service) SetTables(ctx context.Context, id string, tables []Table) error {
	return s.Update(ctx, id, func(r *Restaurant) { r.Tables = tables })
}

// Update applies change to the restaurant, saves it, and publishes one event
// per changed aspect in a single ordered batch: the name first, then capacity.
// Nothing is published when change leaves the restaurant as it was.
func (s *Service) Update(ctx context.Context, id string, change func(r *Restaurant)) error {
	r, err := s.inventory.Get(ctx, id)
	if err != nil {
		return err
	}

	before := r
	before.Tables = slices.Clone(r.Tables)
	change(&r)

	var evts []bus.DomainEvent
	if r.Name != before.Name {
		evts = append(evts, events.NewRestaurantUpdated(id, "name", before.Name, r.Name))
	}
	capacity := !slices.Equal(r.Tables, before.Tables)
	if capacity {
		evts = append(evts, events.NewRestaurantCapacityChanged(id, len(before.Tables), len(r.Tables), before.Seats(), r.Seats()))
	}
	if len(evts) == 0 {
		return nil
	}

	if err := s.inventory.Put(ctx, r); err != nil {
		return fmt.Errorf("failed to save restaurant %s: %w", id, err)
	}
	if err := s.publisher.PublishBatch(ctx, evts...); err != nil {
		return err
	}

	if capacity {
		s.logger.Info("capacity changed",
			zap.String("restaurantId", id),
			zap.Int("tables", len(r.Tables)),
			zap.Int("seats", r.Seats()),
		)
	}

	return nil
}
