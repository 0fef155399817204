package restaurant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus/internal/bus"
	"bus/internal/bus/client"
	"bus/internal/bus/publisher"
	"bus/internal/events"
	"bus/internal/service/restaurant"
	"bus/internal/transport/memory"
)

func newService(t *testing.T, opts ...memory.Option) (*restaurant.Service, *memory.Transport) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	tr := memory.New(logger, opts...)
	c, err := client.New(tr, events.NewCodec(), "restaurant", logger)
	require.NoError(t, err)
	p, err := publisher.New(c, logger)
	require.NoError(t, err)

	inv := restaurant.NewMemoryInventory(restaurant.Restaurant{
		ID:   "r-1",
		Name: "Bistro",
		Tables: []restaurant.Table{
			{ID: "t-6", Seats: 6},
			{ID: "t-2", Seats: 2},
			{ID: "t-4", Seats: 4},
		},
	})

	s, err := restaurant.New(inv, p, logger)
	require.NoError(t, err)
	return s, tr
}

func decode(t *testing.T, tr *memory.Transport, topic string) []bus.Event {
	t.Helper()
	codec := events.NewCodec()
	var out []bus.Event
	for _, rec := range tr.Records(topic) {
		evt, _, err := codec.Decode(rec.Value)
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

func TestFindAvailableTable(t *testing.T) {
	s, _ := newService(t)
	at := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		restaurantID string
		partySize    int
		want         []string
	}{
		{name: "smallest fitting table first", restaurantID: "r-1", partySize: 3, want: []string{"t-4", "t-6"}},
		{name: "every table fits a couple", restaurantID: "r-1", partySize: 2, want: []string{"t-2", "t-4", "t-6"}},
		{name: "party too large", restaurantID: "r-1", partySize: 8, want: []string{}},
		{name: "empty party", restaurantID: "r-1", partySize: 0, want: []string{}},
		{name: "unknown restaurant", restaurantID: "r-404", partySize: 2, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := events.NewFindAvailableTableRequest(tt.restaurantID, tt.partySize, at)

			resp, err := s.FindAvailableTable(context.Background(), req)
			require.NoError(t, err)

			got, ok := resp.(events.FindAvailableTableResponse)
			require.True(t, ok)
			assert.Equal(t, tt.restaurantID, got.RestaurantID)
			assert.Equal(t, tt.want, got.TableIDs)
			assert.Equal(t, len(tt.want), got.TablesAvailable)
		})
	}
}

func TestSetTables_PublishesCapacityChange(t *testing.T) {
	s, tr := newService(t)

	err := s.SetTables(context.Background(), "r-1", []restaurant.Table{{ID: "t-8", Seats: 8}})
	require.NoError(t, err)

	evts := decode(t, tr, events.TopicRestaurant)
	require.Len(t, evts, 1)

	got, ok := evts[0].(events.RestaurantCapacityChanged)
	require.True(t, ok)
	assert.Equal(t, "r-1", got.RestaurantID)
	assert.Equal(t, 3, got.OldTables)
	assert.Equal(t, 1, got.NewTables)
	assert.Equal(t, 12, got.OldSeats)
	assert.Equal(t, 8, got.NewSeats)

	resp, err := s.FindAvailableTable(context.Background(), events.NewFindAvailableTableRequest("r-1", 7, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, []string{"t-8"}, resp.(events.FindAvailableTableResponse).TableIDs)
}

func TestRename(t *testing.T) {
	s, tr := newService(t)

	require.NoError(t, s.Rename(context.Background(), "r-1", "Brasserie"))
	// renaming to the current name is a no-op
	require.NoError(t, s.Rename(context.Background(), "r-1", "Brasserie"))

	evts := decode(t, tr, events.TopicRestaurant)
	require.Len(t, evts, 1)

	got, ok := evts[0].(events.RestaurantUpdated)
	require.True(t, ok)
	assert.Equal(t, "name", got.Field)
	assert.Equal(t, "Bistro", got.OldValue)
	assert.Equal(t, "Brasserie", got.NewValue)

	require.ErrorIs(t, s.Rename(context.Background(), "r-404", "x"), restaurant.ErrUnknownRestaurant)
}

func TestUpdate_PublishesNameThenCapacity(t *testing.T) {
	s, tr := newService(t)

	err := s.Update(context.Background(), "r-1", func(r *restaurant.Restaurant) {
		r.Name = "Brasserie"
		r.Tables = append(r.Tables, restaurant.Table{ID: "t-8", Seats: 8})
	})
	require.NoError(t, err)

	evts := decode(t, tr, events.TopicRestaurant)
	require.Len(t, evts, 2)
	assert.IsType(t, events.RestaurantUpdated{}, evts[0])
	capacity, ok := evts[1].(events.RestaurantCapacityChanged)
	require.True(t, ok)
	assert.Equal(t, 20, capacity.NewSeats)

	// same tables, same name: nothing to publish
	require.NoError(t, s.SetTables(context.Background(), "r-1", []restaurant.Table{
		{ID: "t-6", Seats: 6}, {ID: "t-2", Seats: 2}, {ID: "t-4", Seats: 4}, {ID: "t-8", Seats: 8},
	}))
	assert.Len(t, tr.Records(events.TopicRestaurant), 2)
}

func TestUpdate_StopsAfterFailedPublish(t *testing.T) {
	s, tr := newService(t, memory.WithPublishHook(func(rec bus.Record) error {
		if rec.Headers[client.HeaderEventType] == events.TypeRestaurantUpdated {
			return errors.New("leader not available")
		}
		return nil
	}))

	err := s.Update(context.Background(), "r-1", func(r *restaurant.Restaurant) {
		r.Name = "Brasserie"
		r.Tables = nil
	})
	require.ErrorIs(t, err, bus.ErrTransport)
	assert.Empty(t, tr.Records(events.TopicRestaurant))
}

func TestMemoryInventory_Copies(t *testing.T) {
	inv := restaurant.NewMemoryInventory(restaurant.Restaurant{ID: "r-1", Tables: []restaurant.Table{{ID: "t-1", Seats: 2}}})

	r, err := inv.Get(context.Background(), "r-1")
	require.NoError(t, err)
	r.Tables[0].Seats = 20

	again, err := inv.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Tables[0].Seats)
	assert.Equal(t, 2, again.Seats())
}
