package couchbase

import (
	"context"
	"errors"
	"time"

	"bus/internal/bus/metrics"
)

// MetricsLog wraps a Log with metrics collection
type MetricsLog struct {
	log      Log
	registry *metrics.Registry
}

// NewMetricsLog creates a new instrumented log
func NewMetricsLog(log Log, registry *metrics.Registry) Log {
	return &MetricsLog{
		log:      log,
		registry: registry,
	}
}

func (l *MetricsLog) NextOffset(ctx context.Context, topic string, shard int) (uint64, error) {
	start := time.Now()
	n, err := l.log.NextOffset(ctx, topic, shard)
	l.registry.RecordDatabaseOperation("next_offset", time.Since(start), err)

	return n, err
}

func (l *MetricsLog) InsertMessage(ctx context.Context, msg Message) error {
	start := time.Now()
	err := l.log.InsertMessage(ctx, msg)
	l.registry.RecordDatabaseOperation("insert_message", time.Since(start), err)

	return err
}

func (l *MetricsLog) LoadMessages(ctx context.Context, topic string, shard int, from uint64, limit int) ([]Message, error) {
	start := time.Now()
	msgs, err := l.log.LoadMessages(ctx, topic, shard, from, limit)
	l.registry.RecordDatabaseOperation("load_messages", time.Since(start), err)

	return msgs, err
}

func (l *MetricsLog) GetCursor(ctx context.Context, topic, group string, shard int) (uint64, error) {
	start := time.Now()
	n, err := l.log.GetCursor(ctx, topic, group, shard)
	l.registry.RecordDatabaseOperation("get_cursor", time.Since(start), err)

	return n, err
}

func (l *MetricsLog) CommitCursor(ctx context.Context, topic, group string, shard int, next uint64) error {
	start := time.Now()
	err := l.log.CommitCursor(ctx, topic, group, shard, next)
	l.registry.RecordDatabaseOperation("commit_cursor", time.Since(start), err)

	return err
}

// InsertLease implements Log.InsertLease. Losing the lease to another member is
// counted as contention, not as a failure.
func (l *MetricsLog) InsertLease(ctx context.Context, group string, msg Message, ttl time.Duration) error {
	err := l.log.InsertLease(ctx, group, msg, ttl)

	switch {
	case err == nil:
		l.registry.RecordLeaseOperation("acquire", "acquired")
	case errors.Is(err, ErrLeased):
		l.registry.RecordLeaseOperation("acquire", "contended")
	default:
		l.registry.RecordLeaseOperation("acquire", "error")
	}

	return err
}

func (l *MetricsLog) DeleteLease(ctx context.Context, group, msgID string) error {
	err := l.log.DeleteLease(ctx, group, msgID)

	status := "released"
	if err != nil {
		status = "error"
	}
	l.registry.RecordLeaseOperation("release", status)

	return err
}
