package publisher_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus/internal/bus"
	"bus/internal/bus/client"
	"bus/internal/bus/publisher"
	"bus/internal/events"
	"bus/internal/transport/memory"
)

func newPublisher(t *testing.T, opts ...memory.Option) (*publisher.Publisher, *memory.Transport) {
	t.Helper()
	tr := memory.New(zaptest.NewLogger(t), opts...)
	c, err := client.New(tr, events.NewCodec(), "restaurant", zaptest.NewLogger(t))
	require.NoError(t, err)
	p, err := publisher.New(c, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p, tr
}

func TestPublisher_KeysByAggregate(t *testing.T) {
	p, tr := newPublisher(t)

	require.NoError(t, p.Publish(context.Background(), events.NewRestaurantCapacityChanged("r-7", 10, 12, 40, 48)))
	require.NoError(t, p.Publish(context.Background(), events.NewRestaurantUpdated("r-7", "name", "A", "B")))

	recs := tr.Records(events.TopicRestaurant)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "r-7", rec.Key)
		assert.Equal(t, recs[0].Partition, rec.Partition)
	}
	assert.Equal(t, events.TypeRestaurantCapacityChanged, recs[0].Headers[client.HeaderEventType])
	assert.Less(t, recs[0].Offset, recs[1].Offset)
}

func TestPublisher_RejectsEmptyAggregate(t *testing.T) {
	p, tr := newPublisher(t)

	require.Error(t, p.Publish(context.Background(), events.NewUserLoggedIn("")))
	assert.Empty(t, tr.Records(events.TopicUser))
}

func TestPublisher_BatchStopsAtFirstFailure(t *testing.T) {
	var attempts int
	p, tr := newPublisher(t, memory.WithPublishHook(func(rec bus.Record) error {
		attempts++
		if attempts == 1 {
			return errors.New("partition offline")
		}
		return nil
	}))

	err := p.PublishBatch(context.Background(),
		events.NewRestaurantUpdated("r-1", "name", "A", "B"),
		events.NewRestaurantUpdated("r-1", "name", "B", "C"),
	)
	require.ErrorIs(t, err, bus.ErrTransport)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, tr.Records(events.TopicRestaurant))

	require.NoError(t, p.PublishBatch(context.Background(),
		events.NewRestaurantUpdated("r-1", "name", "A", "B"),
		events.NewRestaurantUpdated("r-1", "name", "B", "C"),
	))
	recs := tr.Records(events.TopicRestaurant)
	require.Len(t, recs, 2)
	assert.Less(t, recs[0].Offset, recs[1].Offset)
}
