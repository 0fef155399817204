// Package reservation books tables by asking the restaurant service for
// availability over the bus.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bus/internal/bus"
	"bus/internal/bus/dispatcher"
	"bus/internal/bus/gateway"
	"bus/internal/events"
	"bus/internal/validator"
)

// Group is the consumer group reservation instances share on the user topic.
const Group = "reservation"

var (
	// ErrUnavailable wraps failures that may succeed on retry: the restaurant
	// service did not answer in time or the bus could not carry the request.
	ErrUnavailable = errors.New("restaurant service unavailable")
	ErrNoTable     = errors.New("no table available")
	ErrUnknownUser = errors.New("unknown user")
	ErrInvalid     = errors.New("invalid reservation")
)

type Reservation struct {
	ID           string
	UserID       string
	RestaurantID string
	TableID      string
	PartySize    int
	At           time.Time
}

type slot struct {
	restaurantID string
	tableID      string
	at           time.Time
}

type Service struct {
	gateway *gateway.Gateway
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	users    map[string]struct{}
	booked   map[slot]string
	bookings map[string]Reservation
}

func New(g *gateway.Gateway, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	s := Service{
		gateway:  g,
		timeout:  timeout,
		logger:   logger,
		users:    make(map[string]struct{}),
		booked:   make(map[slot]string),
		bookings: make(map[string]Reservation),
	}

	if err := validator.Validate("reservation service", s.gateway, s.timeout, s.logger); err != nil {
		return nil, fmt.Errorf("failed to validate reservation service deps: %w", err)
	}
	s.logger = s.logger.Named("reservation")

	return &s, nil
}

// Register tracks user registrations from d and subscribes d to the user topic.
func (s *Service) Register(d *dispatcher.Dispatcher, workers int) error {
	err := dispatcher.Handle(d, func(_ context.Context, evt events.UserRegistered) error {
		s.mu.Lock()
		s.users[evt.UserID] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("user registered", zap.String("userId", evt.UserID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to handle %s: %w", events.TypeUserRegistered, err)
	}

	return d.Subscribe(events.TopicUser, Group, workers)
}

// Known reports whether a user.registered event has been seen for userID.
func (s *Service) Known(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// Reserve asks the restaurant for tables that seat the party and books the
// first one not already taken at that time. Errors matching ErrUnavailable
// are safe to retry.
func (s *Service) Reserve(ctx context.Context, userID, restaurantID string, partySize int, at time.Time) (Reservation, error) {
	if partySize <= 0 {
		return Reservation{}, fmt.Errorf("%w: party size %d", ErrInvalid, partySize)
	}
	if !s.Known(userID) {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	logger := s.logger.With(zap.String("userId", userID), zap.String("restaurantId", restaurantID))

	req := events.NewFindAvailableTableRequest(restaurantID, partySize, at)
	resp, err := gateway.CallAs[events.FindAvailableTableResponse](ctx, s.gateway, req, s.timeout)
	if err != nil {
		if bus.Retryable(err) {
			logger.Warn("restaurant availability call failed", zap.Error(err))
			return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return Reservation{}, fmt.Errorf("failed to find available table: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tableID := range resp.TableIDs {
		k := slot{restaurantID: restaurantID, tableID: tableID, at: at.UTC()}
		if _, taken := s.booked[k]; taken {
			continue
		}

		r := Reservation{
			ID:           uuid.NewString(),
			UserID:       userID,
			RestaurantID: restaurantID,
			TableID:      tableID,
			PartySize:    partySize,
			At:           at.UTC(),
		}
		s.booked[k] = r.ID
		s.bookings[r.ID] = r

		logger.Info("table reserved", zap.String("reservationId", r.ID), zap.String("tableId", tableID))
		return r, nil
	}

	return Reservation{}, fmt.Errorf("%w: %s for %d at %s", ErrNoTable, restaurantID, partySize, at.Format(time.RFC3339))
}

// Get returns a booking made by Reserve.
func (s *Service) Get(id string) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bookings[id]
	return r, ok
}
