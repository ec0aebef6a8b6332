package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to one topic keyed by appointment id, so every
// event of an appointment lands on the same partition.
type KafkaSink struct{ w messageWriter }

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key),
		Value: body,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "event-id", Value: []byte(e.ID)},
		},
	})
}

func (s *KafkaSink) Close() error { return s.w.Close() }
