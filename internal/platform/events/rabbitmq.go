package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the subset of *amqp.Channel used by RabbitMQSink.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink publishes events to a topic exchange with the event type as
// routing key.
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitMQSink dials url and declares a durable topic exchange.
func NewRabbitMQSink(url, exchange string) (*RabbitMQSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *RabbitMQSink) Name() string { return "rabbitmq" }

func (s *RabbitMQSink) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, s.exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Headers:      amqp.Table{"appointment_id": e.Key},
		Body:         body,
	})
}

func (s *RabbitMQSink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
