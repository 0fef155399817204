package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus/internal/bus"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestTransport_PublishMapsRecord(t *testing.T) {
	w := &fakeWriter{}
	tr := newTransport(w, nil, zaptest.NewLogger(t))

	err := tr.Publish(context.Background(), bus.Record{
		Topic:   "restaurant.requests",
		Key:     "c-1",
		Value:   []byte("{}"),
		Headers: map[string]string{"event-type": "x"},
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "restaurant.requests", w.msgs[0].Topic)
	assert.Equal(t, []byte("c-1"), w.msgs[0].Key)
	assert.Equal(t, []kafka.Header{{Key: "event-type", Value: []byte("x")}}, w.msgs[0].Headers)

	w.err = errors.New("leader not available")
	require.ErrorIs(t, tr.Publish(context.Background(), bus.Record{Topic: "t"}), w.err)
}

func TestTransport_SubscribeCommitsAfterDelivery(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		{Topic: "t", Partition: 1, Offset: 10, Key: []byte("a"), Value: []byte("1"), Headers: []kafka.Header{{Key: "h", Value: []byte("v")}}},
		{Topic: "t", Partition: 1, Offset: 11, Key: []byte("a"), Value: []byte("2")},
	}}
	tr := newTransport(&fakeWriter{}, func(topic, group string) reader {
		assert.Equal(t, "t", topic)
		assert.Equal(t, "g", group)
		return r
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []bus.Record
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- tr.Subscribe(ctx, "t", "g", func(_ context.Context, rec bus.Record) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				assert.Empty(t, r.commits())
				return errors.New("transient")
			}
			got = append(got, rec)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "1", string(got[0].Value))
	assert.Equal(t, "v", got[0].Headers["h"])
	assert.Equal(t, 1, got[0].Partition)
	assert.Equal(t, []int64{10, 11}, r.commits())
	assert.True(t, r.closed)
}

func TestConfig_StartOffsetFor(t *testing.T) {
	cfg := Config{StartOffset: "earliest", ReplyStartOffset: "latest"}
	replies := func(group string) bool { return group == "reservation.replies.a1" }

	assert.Equal(t, kafka.FirstOffset, cfg.startOffsetFor("reservation", replies))
	assert.Equal(t, kafka.LastOffset, cfg.startOffsetFor("reservation.replies.a1", replies))
	assert.Equal(t, kafka.FirstOffset, cfg.startOffsetFor("reservation.replies.a1", nil))

	cfg.StartOffset = "LATEST"
	assert.Equal(t, kafka.LastOffset, cfg.startOffsetFor("reservation", nil))
}
