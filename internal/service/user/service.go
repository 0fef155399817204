// Package user owns user accounts and publishes their lifecycle events.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bus/internal/bus/publisher"
	"bus/internal/events"
	"bus/internal/validator"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidField = errors.New("field cannot be updated")
)

type User struct {
	ID    string
	Email string
	Name  string
}

type Service struct {
	publisher *publisher.Publisher
	logger    *zap.Logger

	mu      sync.Mutex
	users   map[string]User
	byEmail map[string]string
}

func New(publisher *publisher.Publisher, logger *zap.Logger) (*Service, error) {
	s := Service{
		publisher: publisher,
		logger:    logger,
		users:     make(map[string]User),
		byEmail:   make(map[string]string),
	}

	if err := validator.Validate("user service", s.publisher, s.logger); err != nil {
		return nil, fmt.Errorf("failed to validate user service deps: %w", err)
	}
	s.logger = s.logger.Named("user")

	return &s, nil
}

// Register creates a user and publishes user.registered.
func (s *Service) Register(ctx context.Context, email, name string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	if _, ok := s.byEmail[email]; ok {
		s.mu.Unlock()
		return User{}, fmt.Errorf("%w: %s", ErrEmailTaken, email)
	}
	u := User{ID: uuid.NewString(), Email: email, Name: name}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	s.mu.Unlock()

	if err := s.publisher.Publish(ctx, events.NewUserRegistered(u.ID, u.Email, u.Name)); err != nil {
		return User{}, err
	}

	s.logger.Info("user registered", zap.String("userId", u.ID))
	return u, nil
}

// Login publishes user.logged_in for a known user.
func (s *Service) Login(ctx context.Context, id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	return s.publisher.Publish(ctx, events.NewUserLoggedIn(id))
}

// UpdateProfile changes the name or email of a user and publishes the change.
func (s *Service) UpdateProfile(ctx context.Context, id, field, value string) error {
	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var old string
	switch field {
	case "name":
		old, u.Name = u.Name, value
	case "email":
		value = strings.ToLower(strings.TrimSpace(value))
		if owner, taken := s.byEmail[value]; taken && owner != id {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrEmailTaken, value)
		}
		old, u.Email = u.Email, value
		delete(s.byEmail, old)
		s.byEmail[value] = id
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	s.users[id] = u
	s.mu.Unlock()

	if old == value {
		return nil
	}

	return s.publisher.Publish(ctx, events.NewUserProfileUpdated(id, field, old, value))
}

func (s *Service) Get(id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return u, nil
}
