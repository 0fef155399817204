package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"bus/internal/bus"
	"bus/internal/bus/client"
	"bus/internal/bus/dispatcher"
	"bus/internal/dedupe"
	"bus/internal/events"
	"bus/internal/transport/memory"
)

type harness struct {
	transport *memory.Transport
	client    *client.Client
	disp      *dispatcher.Dispatcher
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...memory.Option) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	tr := memory.New(zaptest.NewLogger(t), opts...)
	c, err := client.New(tr, events.NewCodec(), "test", zaptest.NewLogger(t), client.WithDeduper(dedupe.NewMemory(time.Hour)))
	require.NoError(t, err)

	d, err := dispatcher.New(c, logger)
	require.NoError(t, err)

	return &harness{transport: tr, client: c, disp: d, logs: logs}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (h *harness) publish(t *testing.T, evt bus.DomainEvent) {
	t.Helper()
	require.NoError(t, h.client.Publish(context.Background(), evt.Topic(), evt.AggregateID(), evt))
}

func TestDispatcher_RoutesByType(t *testing.T) {
	h := newHarness(t)

	var registered, loggedIn atomic.Int64
	require.NoError(t, dispatcher.Handle(h.disp, func(_ context.Context, evt events.UserRegistered) error {
		assert.Equal(t, "u-1", evt.UserID)
		registered.Add(1)
		return nil
	}))
	require.NoError(t, dispatcher.Handle(h.disp, func(_ context.Context, evt events.UserLoggedIn) error {
		loggedIn.Add(1)
		return nil
	}))
	require.NoError(t, h.disp.Subscribe(events.TopicUser, "g", 2))
	h.run(t)

	h.publish(t, events.NewUserRegistered("u-1", "a@b.c", "A"))
	h.publish(t, events.NewUserLoggedIn("u-1"))
	h.publish(t, events.NewUserLoggedIn("u-1"))

	require.Eventually(t, func() bool {
		return registered.Load() == 1 && loggedIn.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_OnRejectsSecondHandler(t *testing.T) {
	h := newHarness(t)

	noop := func(context.Context, bus.Message) error { return nil }
	require.NoError(t, h.disp.On(events.TypeUserLoggedIn, noop))

	err := h.disp.On(events.TypeUserLoggedIn, noop)
	require.ErrorIs(t, err, dispatcher.ErrHandlerExists)
}

func TestDispatcher_UnknownTypeIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.disp.Subscribe(events.TopicUser, "g", 1))
	h.run(t)

	evt := events.NewUserLoggedIn("u-1")
	h.publish(t, evt)

	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("no handler for event type, dropping").
			FilterField(zap.String("eventId", evt.ID())).Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_FailedHandlerIsRedelivered(t *testing.T) {
	h := newHarness(t, memory.WithPartitions(1))

	var (
		mu    sync.Mutex
		calls []string
		fails = 2
	)
	require.NoError(t, dispatcher.Handle(h.disp, func(_ context.Context, evt events.UserRegistered) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, evt.UserID)
		if evt.UserID == "u-1" && fails > 0 {
			fails--
			return errors.New("user store unavailable")
		}
		return nil
	}))
	require.NoError(t, h.disp.Subscribe(events.TopicUser, "g", 4))
	h.run(t)

	failing := events.NewUserRegistered("u-1", "a@b.c", "A")
	h.publish(t, failing)
	h.publish(t, events.NewUserRegistered("u-2", "b@b.c", "B"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"u-1", "u-1", "u-1", "u-2"}, calls)
	mu.Unlock()

	failed := h.logs.FilterMessage("handler failed").AllUntimed()
	require.Len(t, failed, 2)
	assert.Equal(t, failing.ID(), failed[0].ContextMap()["eventId"])
	assert.Equal(t, events.TypeUserRegistered, failed[0].ContextMap()["eventType"])
	assert.Empty(t, h.transport.Records(client.DeadLetterTopic(events.TopicUser)))
}

func TestDispatcher_PanicIsContainedAndRedelivered(t *testing.T) {
	h := newHarness(t, memory.WithPartitions(1))

	var attempts, handled atomic.Int64
	require.NoError(t, dispatcher.Handle(h.disp, func(_ context.Context, evt events.UserProfileUpdated) error {
		if evt.Field == "panic" && attempts.Add(1) == 1 {
			panic("nil map write")
		}
		handled.Add(1)
		return nil
	}))
	require.NoError(t, h.disp.Subscribe(events.TopicUser, "g", 1))
	h.run(t)

	h.publish(t, events.NewUserProfileUpdated("u-1", "panic", "", ""))
	h.publish(t, events.NewUserProfileUpdated("u-1", "name", "A", "B"))

	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, attempts.Load())
	assert.Equal(t, 1, h.logs.FilterMessage("handler panicked").Len())
}

func TestDispatcher_PoolBoundsConcurrency(t *testing.T) {
	h := newHarness(t, memory.WithPartitions(16))

	const workers = 3
	var inFlight, peak, total atomic.Int64
	release := make(chan struct{})

	require.NoError(t, dispatcher.Handle(h.disp, func(ctx context.Context, evt events.UserLoggedIn) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		total.Add(1)
		return nil
	}))
	require.NoError(t, h.disp.Subscribe(events.TopicUser, "g", workers))
	h.run(t)

	// one key per partition, so every partition has a record waiting
	for _, id := range spreadKeys(10, 16) {
		h.publish(t, events.NewUserLoggedIn(id))
	}

	require.Eventually(t, func() bool { return inFlight.Load() == workers }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, workers, peak.Load())

	close(release)
	require.Eventually(t, func() bool { return total.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestDispatcher_RunValidation(t *testing.T) {
	h := newHarness(t)

	require.Error(t, h.disp.Run(context.Background()))
	require.Error(t, h.disp.Subscribe("t", "g", 0))
	require.Error(t, h.disp.Subscribe("", "g", 1))
}

func spreadKeys(n, partitions int) []string {
	seen := make(map[int]bool)
	var keys []string
	for i := 0; len(keys) < n; i++ {
		k := fmt.Sprintf("u-%d", i)
		if p := bus.PartitionFor(k, partitions); !seen[p] {
			seen[p] = true
			keys = append(keys, k)
		}
	}
	return keys
}
