package client_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"bus/internal/bus"
	"bus/internal/bus/client"
	"bus/internal/bus/metrics"
	"bus/internal/bus/tracing"
	"bus/internal/events"
	"bus/internal/transport/memory"
)

type seen struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (s *seen) Claim(_ context.Context, group, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = map[string]bool{}
	}
	k := group + "/" + id
	if s.ids[k] {
		return false, nil
	}
	s.ids[k] = true
	return true, nil
}

func (s *seen) Release(_ context.Context, group, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, group+"/"+id)
	return nil
}

type inbox struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (in *inbox) handle(_ context.Context, msg bus.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, msg)
	return nil
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) at(i int) bus.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[i]
}

func subscribe(t *testing.T, c bus.Client, topic, group string, h bus.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Subscribe(ctx, topic, group, h))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestClient_PublishSubscribeRoundTrip(t *testing.T) {
	tr := memory.New(zaptest.NewLogger(t))
	c, err := client.New(tr, events.NewCodec(), "user-service", zaptest.NewLogger(t))
	require.NoError(t, err)

	var in inbox
	subscribe(t, c, events.TopicUser, "audit", in.handle)

	evt := events.NewUserRegistered("u-1", "ada@example.com", "Ada")
	require.NoError(t, c.Publish(context.Background(), events.TopicUser, evt.AggregateID(), evt))

	require.Eventually(t, func() bool { return in.len() == 1 }, time.Second, 5*time.Millisecond)

	msg := in.at(0)
	got, ok := msg.Event.(events.UserRegistered)
	require.True(t, ok)
	assert.Equal(t, evt.ID(), got.ID())
	assert.True(t, evt.Time().Equal(got.Time()))
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Equal(t, "u-1", msg.Key)
	assert.Equal(t, "audit", msg.Group)
	assert.Equal(t, "user-service", msg.Envelope.Producer)
}

func TestClient_PublishFailureIsTransportError(t *testing.T) {
	boom := errors.New("leader not available")
	tr := memory.New(zaptest.NewLogger(t), memory.WithPublishHook(func(bus.Record) error { return boom }))
	c, err := client.New(tr, events.NewCodec(), "svc", zaptest.NewLogger(t))
	require.NoError(t, err)

	err = c.Publish(context.Background(), events.TopicUser, "u-1", events.NewUserLoggedIn("u-1"))
	require.ErrorIs(t, err, bus.ErrTransport)
	require.ErrorIs(t, err, boom)
	assert.True(t, bus.Retryable(err))

	var te *bus.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "publish", te.Op)
	assert.Equal(t, events.TopicUser, te.Topic)
}

func TestClient_UndecodableDeliveryIsDeadLettered(t *testing.T) {
	tr := memory.New(zaptest.NewLogger(t))
	c, err := client.New(tr, events.NewCodec(), "svc", zaptest.NewLogger(t),
		client.WithDeadLetter(client.NewTopicDeadLetter(tr, nil)))
	require.NoError(t, err)

	var in inbox
	subscribe(t, c, "t", "g", in.handle)

	require.NoError(t, tr.Publish(context.Background(), bus.Record{Topic: "t", Key: "k", Value: []byte("not json")}))
	require.NoError(t, tr.Publish(context.Background(), bus.Record{Topic: "t", Key: "k", Value: []byte(`{"id":"e-1","type":"nobody.knows"}`)}))

	require.Eventually(t, func() bool { return len(tr.Records(client.DeadLetterTopic("t"))) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, in.len())

	dlq := tr.Records("t.dlq")
	assert.Equal(t, "t", dlq[0].Headers[client.HeaderDeadLetterTopic])
	assert.NotEmpty(t, dlq[0].Headers[client.HeaderDeadLetterReason])
}

func TestClient_DeduperFiltersRedelivery(t *testing.T) {
	tr := memory.New(zaptest.NewLogger(t), memory.WithDuplicates())
	c, err := client.New(tr, events.NewCodec(), "svc", zaptest.NewLogger(t), client.WithDeduper(&seen{}))
	require.NoError(t, err)

	var in inbox
	subscribe(t, c, events.TopicUser, "g", in.handle)

	for range 3 {
		evt := events.NewUserLoggedIn("u-1")
		require.NoError(t, c.Publish(context.Background(), events.TopicUser, "u-1", evt))
	}

	require.Eventually(t, func() bool { return in.len() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, in.len())
}

func TestClient_FailedDeliveryReleasesClaim(t *testing.T) {
	tr := memory.New(zaptest.NewLogger(t), memory.WithPartitions(1))
	c, err := client.New(tr, events.NewCodec(), "svc", zaptest.NewLogger(t), client.WithDeduper(&seen{}))
	require.NoError(t, err)

	var (
		in       inbox
		attempts atomic.Int64
	)
	subscribe(t, c, events.TopicUser, "g", func(ctx context.Context, msg bus.Message) error {
		if attempts.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		return in.handle(ctx, msg)
	})

	evt := events.NewUserRegistered("u-1", "a@b.c", "A")
	require.NoError(t, c.Publish(context.Background(), events.TopicUser, "u-1", evt))

	require.Eventually(t, func() bool { return in.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, evt.ID(), in.at(0).Envelope.ID)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestClient_DecoratorsRecordMetricsAndSpans(t *testing.T) {
	tr := memory.New(zaptest.NewLogger(t))
	sr := tracetest.NewSpanRecorder()
	tracer := tracing.NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)), "test")
	registry := metrics.NewRegistry()

	inner, err := client.New(tr, events.NewCodec(), "svc", zaptest.NewLogger(t), client.WithTracer(tracer))
	require.NoError(t, err)
	c := client.NewTracedClient(client.NewMetricsClient(inner, registry), tracer)

	var in inbox
	subscribe(t, c, events.TopicRestaurant, "g", in.handle)

	evt := events.NewRestaurantUpdated("r-1", "name", "Old", "New")
	require.NoError(t, c.Publish(context.Background(), evt.Topic(), evt.AggregateID(), evt))

	require.Eventually(t, func() bool { return in.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(sr.Ended()) == 2 }, time.Second, 5*time.Millisecond)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		spans[s.Name()] = s
	}
	require.Contains(t, spans, "bus.publish")
	require.Contains(t, spans, "bus.deliver")
	assert.Equal(t, spans["bus.publish"].SpanContext().TraceID(), spans["bus.deliver"].Parent().TraceID())
	assert.Equal(t, spans["bus.publish"].SpanContext().SpanID(), spans["bus.deliver"].Parent().SpanID())

	expected := `
# HELP bus_client_deliveries_total Total number of deliveries seen by subscribers
# TYPE bus_client_deliveries_total counter
bus_client_deliveries_total{group="g",status="handled",topic="restaurant.events"} 1
# HELP bus_client_publish_total Total number of publish operations
# TYPE bus_client_publish_total counter
bus_client_publish_total{status="success",topic="restaurant.events"} 1
`
	assert.Eventually(t, func() bool {
		return testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected),
			"bus_client_publish_total", "bus_client_deliveries_total") == nil
	}, time.Second, 5*time.Millisecond)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := client.New(nil, events.NewCodec(), "svc", zaptest.NewLogger(t))
	require.Error(t, err)
}
