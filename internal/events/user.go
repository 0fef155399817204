package events

import "bus/internal/bus"

// UserRegistered is published once a profile has been created.
type UserRegistered struct {
	bus.Meta
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

func NewUserRegistered(userID, email, name string) UserRegistered {
	return UserRegistered{Meta: bus.NewMeta(), UserID: userID, Email: email, Name: name}
}

func (UserRegistered) Type() string          { return TypeUserRegistered }
func (UserRegistered) Topic() string         { return TopicUser }
func (e UserRegistered) AggregateID() string { return e.UserID }

// UserLoggedIn is published after a successful login.
type UserLoggedIn struct {
	bus.Meta
	UserID string `json:"user_id"`
}

func NewUserLoggedIn(userID string) UserLoggedIn {
	return UserLoggedIn{Meta: bus.NewMeta(), UserID: userID}
}

func (UserLoggedIn) Type() string          { return TypeUserLoggedIn }
func (UserLoggedIn) Topic() string         { return TopicUser }
func (e UserLoggedIn) AggregateID() string { return e.UserID }

// UserProfileUpdated records a single field change on a profile.
type UserProfileUpdated struct {
	bus.Meta
	UserID   string `json:"user_id"`
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

func NewUserProfileUpdated(userID, field, oldValue, newValue string) UserProfileUpdated {
	return UserProfileUpdated{
		Meta:     bus.NewMeta(),
		UserID:   userID,
		Field:    field,
		OldValue: oldValue,
		NewValue: newValue,
	}
}

func (UserProfileUpdated) Type() string          { return TypeUserProfileUpdated }
func (UserProfileUpdated) Topic() string         { return TopicUser }
func (e UserProfileUpdated) AggregateID() string { return e.UserID }
