package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes messages to one topic, keyed by Message.Key so that
// every update for a symbol (or user) lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates an asynchronous publisher. Delivery errors are
// logged from the writer's completion callback; Publish never waits on the
// brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Warn("kafka publish failed", "topic", topic, "count", len(msgs), "err", err)
			}
		},
	}
	slog.Info("kafka publisher created", "brokers", brokers, "topic", topic)
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		value, err := json.Marshal(m)
		if err != nil {
			slog.Error("kafka message encode failed", "type", m.Type, "err", err)
			continue
		}
		out = append(out, kafka.Message{
			Key:   []byte(m.Key),
			Value: value,
			Time:  m.Timestamp,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(m.Type)},
			},
		})
	}
	if len(out) == 0 {
		return
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		slog.Warn("kafka publish failed", "topic", p.topic, "count", len(out), "err", err)
	}
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
