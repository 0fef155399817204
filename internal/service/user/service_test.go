package user_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus/internal/bus"
	"bus/internal/bus/client"
	"bus/internal/bus/publisher"
	"bus/internal/events"
	"bus/internal/service/user"
	"bus/internal/transport/memory"
)

func newService(t *testing.T) (*user.Service, *memory.Transport) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	tr := memory.New(logger, memory.WithPartitions(1))
	c, err := client.New(tr, events.NewCodec(), "user", logger)
	require.NoError(t, err)
	p, err := publisher.New(c, logger)
	require.NoError(t, err)

	s, err := user.New(p, logger)
	require.NoError(t, err)
	return s, tr
}

func published(t *testing.T, tr *memory.Transport) []bus.Event {
	t.Helper()
	codec := events.NewCodec()
	var out []bus.Event
	for _, rec := range tr.Records(events.TopicUser) {
		evt, _, err := codec.Decode(rec.Value)
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

func TestLifecycle(t *testing.T) {
	s, tr := newService(t)
	ctx := context.Background()

	u, err := s.Register(ctx, " Ada@Example.com ", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)

	require.NoError(t, s.Login(ctx, u.ID))
	require.NoError(t, s.UpdateProfile(ctx, u.ID, "name", "Ada L."))
	// unchanged values publish nothing
	require.NoError(t, s.UpdateProfile(ctx, u.ID, "name", "Ada L."))

	evts := published(t, tr)
	require.Len(t, evts, 3)

	registered, ok := evts[0].(events.UserRegistered)
	require.True(t, ok)
	assert.Equal(t, u.ID, registered.UserID)
	assert.Equal(t, "ada@example.com", registered.Email)

	loggedIn, ok := evts[1].(events.UserLoggedIn)
	require.True(t, ok)
	assert.Equal(t, u.ID, loggedIn.UserID)

	updated, ok := evts[2].(events.UserProfileUpdated)
	require.True(t, ok)
	assert.Equal(t, "name", updated.Field)
	assert.Equal(t, "Ada", updated.OldValue)
	assert.Equal(t, "Ada L.", updated.NewValue)
}

func TestErrors(t *testing.T) {
	s, tr := newService(t)
	ctx := context.Background()

	a, err := s.Register(ctx, "a@example.com", "A")
	require.NoError(t, err)
	b, err := s.Register(ctx, "b@example.com", "B")
	require.NoError(t, err)

	_, err = s.Register(ctx, "A@example.com", "A again")
	require.ErrorIs(t, err, user.ErrEmailTaken)

	require.ErrorIs(t, s.UpdateProfile(ctx, b.ID, "email", "a@example.com"), user.ErrEmailTaken)
	require.ErrorIs(t, s.UpdateProfile(ctx, a.ID, "password", "x"), user.ErrInvalidField)
	require.ErrorIs(t, s.UpdateProfile(ctx, "nobody", "name", "x"), user.ErrNotFound)
	require.ErrorIs(t, s.Login(ctx, "nobody"), user.ErrNotFound)

	assert.Len(t, published(t, tr), 2)
}
