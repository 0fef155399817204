package client

import (
	"context"
	"maps"
	"strconv"

	"bus/internal/bus"
	"bus/internal/bus/metrics"
)

const (
	HeaderDeadLetterReason    = "dlq-reason"
	HeaderDeadLetterTopic     = "dlq-source-topic"
	HeaderDeadLetterPartition = "dlq-source-partition"
	HeaderDeadLetterOffset    = "dlq-source-offset"
)

// DeadLetterTopic names the topic that collects failures from topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// TopicDeadLetter republishes the raw record to DeadLetterTopic on the same
// transport. Nothing replays it.
type TopicDeadLetter struct {
	transport bus.Transport
	registry  *metrics.Registry
}

// NewTopicDeadLetter returns a dead-letter sink. registry may be nil.
func NewTopicDeadLetter(transport bus.Transport, registry *metrics.Registry) *TopicDeadLetter {
	return &TopicDeadLetter{transport: transport, registry: registry}
}

func (d *TopicDeadLetter) Send(ctx context.Context, rec bus.Record, reason error) error {
	headers := maps.Clone(rec.Headers)
	if headers == nil {
		headers = make(map[string]string, 4)
	}
	headers[HeaderDeadLetterReason] = reason.Error()
	headers[HeaderDeadLetterTopic] = rec.Topic
	headers[HeaderDeadLetterPartition] = strconv.Itoa(rec.Partition)
	headers[HeaderDeadLetterOffset] = strconv.FormatInt(rec.Offset, 10)

	err := d.transport.Publish(ctx, bus.Record{
		Topic:   DeadLetterTopic(rec.Topic),
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	})
	if d.registry != nil {
		d.registry.RecordDeadLetter(rec.Topic, err)
	}

	return err
}
