package webhook

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/altiora-ai/callcore/internal/types"
)

// KafkaMirror copies acknowledged events to a topic keyed by call ID,
// so per-call order is kept within a partition.
type KafkaMirror struct {
	writer *kafka.Writer
}

// NewKafkaMirror creates a mirror writing to topic.
func NewKafkaMirror(brokers []string, topic string) *KafkaMirror {
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Publish implements Mirror.
func (k *KafkaMirror) Publish(ctx context.Context, ev types.WebhookEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.CallID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "idempotency-key", Value: []byte(ev.IdempotencyKey())},
		},
	})
}

// Close flushes and closes the writer.
func (k *KafkaMirror) Close() error {
	return k.writer.Close()
}
