package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// events are written one at a time; the writer's default one-second batch
// window would hold every write that long
const batchTimeout = 10 * time.Millisecond

// KafkaSink mirrors lifecycle events onto a topic, keyed by request id
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: batchTimeout,
		},
		timeout: 5 * time.Second,
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(ctx context.Context, e Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: msg,
		Time:  e.At,
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
