package bus

import (
	"context"
	"hash/fnv"
)

// Record is one message as the transport sees it: opaque bytes routed by topic
// and ordered within the partition selected by Key.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

// DeliveryFunc is invoked by a transport once per delivered record. Records of
// one partition are delivered sequentially in publish order.
type DeliveryFunc func(ctx context.Context, rec Record) error

// Transport is the durable, partitioned, at-least-once pub/sub collaborator.
type Transport interface {
	// Publish sends rec after the transport's own bounded retry policy.
	Publish(ctx context.Context, rec Record) error

	// Subscribe consumes topic as member of group until ctx is done, then
	// returns nil. A record whose DeliveryFunc returns an error is not
	// committed and will be delivered again.
	Subscribe(ctx context.Context, topic, group string, fn DeliveryFunc) error

	// Close releases producer resources.
	Close() error
}

// Message is a decoded delivery handed to subscribers.
type Message struct {
	Topic     string
	Group     string
	Key       string
	Partition int
	Offset    int64
	Envelope  Envelope
	Event     Event
	Raw       []byte
}

// Handler processes a decoded delivery.
type Handler func(ctx context.Context, msg Message) error

// Client is the event bus façade used by every component above the transport.
type Client interface {
	// Publish encodes evt and sends it to topic, partitioned by key.
	Publish(ctx context.Context, topic, key string, evt Event) error

	// Subscribe decodes every delivery on topic for group and invokes h once
	// per distinct event id. It blocks until ctx is done.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Deduper remembers which event ids a consumer group has already seen.
type Deduper interface {
	// Claim records eventID for group and reports whether it was seen for the first time.
	Claim(ctx context.Context, group, eventID string) (bool, error)
	// Release forgets a claim whose handler failed, so the redelivery is handled.
	Release(ctx context.Context, group, eventID string) error
}

// DeadLetter receives deliveries that could not be decoded or handled.
type DeadLetter interface {
	Send(ctx context.Context, rec Record, reason error) error
}

// PartitionFor maps key onto one of n partitions with FNV-1a, so that the same
// key always lands on the same partition.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
