package couchbase

import (
	"context"
	"errors"
	"time"
)

// ErrLeased is returned by Log.InsertLease when another member of the group
// holds the message.
var ErrLeased = errors.New("message already leased")

// Log is the storage behind the transport: per-shard message logs with
// atomically allocated offsets, per-group cursors, and per-message leases.
type Log interface {
	// NextOffset allocates the next offset of a topic shard. Offsets start at 0.
	NextOffset(ctx context.Context, topic string, shard int) (uint64, error)

	// InsertMessage stores msg. Inserting an existing id is not an error.
	InsertMessage(ctx context.Context, msg Message) error

	// LoadMessages returns up to limit messages with offset >= from, in offset order.
	LoadMessages(ctx context.Context, topic string, shard int, from uint64, limit int) ([]Message, error)

	// GetCursor returns the next offset group will read, 0 for a new group.
	GetCursor(ctx context.Context, topic, group string, shard int) (uint64, error)

	// CommitCursor moves the cursor forward to next. It never moves backwards.
	CommitCursor(ctx context.Context, topic, group string, shard int, next uint64) error

	// InsertLease claims msg for group until ttl passes.
	InsertLease(ctx context.Context, group string, msg Message, ttl time.Duration) error

	// DeleteLease releases a claim. A missing lease is not an error.
	DeleteLease(ctx context.Context, group, msgID string) error
}
