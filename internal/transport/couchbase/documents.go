package couchbase

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	store "bus/internal/couchbase"
)

// Message is one record in a topic shard's log.
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Shard       int               `json:"shard"`
	Offset      uint64            `json:"offset"`
	Key         string            `json:"key"`
	Headers     map[string]string `json:"headers,omitempty"`
	Value       []byte            `json:"value"`
	PublishTime time.Time         `json:"publishTime"`

	store.Cas `json:"-"`
}

// Cursor is the next offset a consumer group will read from a shard.
type Cursor struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Group  string `json:"group"`
	Shard  int    `json:"shard"`
	Offset uint64 `json:"offset"`

	store.Cas `json:"-"`
}

// Lease marks a message as in progress for a group. It expires on its own if
// the holder dies.
type Lease struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	MessageID string    `json:"messageID"`
	Offset    uint64    `json:"offset"`
	Expires   time.Time `json:"expires"`

	store.Cas `json:"-"`
}

// counter is never read as a document; offsets live in binary counters.
type counter struct{}

func MessageKey(topic string, shard int, offset uint64) string {
	return fmt.Sprintf("message::%s::%d::%d", topic, shard, offset)
}

func CursorKey(topic, group string, shard int) string {
	return fmt.Sprintf("cursor::%s::%s::%d", topic, group, shard)
}

func LeaseKey(group, msgID string) string {
	return fmt.Sprintf("lease::%s::%s", group, msgID)
}

func OffsetKey(topic string, shard int) string {
	return fmt.Sprintf("offset::%s::%d", topic, shard)
}

func newStore[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, scope, collection string) (*store.Couchbase[T], error) {
	s, err := store.NewCouchbase[T](cluster, bucket.Scope(scope).Collection(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", collection, err)
	}
	return s, nil
}
