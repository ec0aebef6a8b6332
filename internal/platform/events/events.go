// Package events fans appointment change events out to the configured
// sinks: the websocket hub, RabbitMQ, Kafka, SQS and a signed webhook.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Event types.
const (
	TypeAppointmentBooked        = "appointment.booked"
	TypeAppointmentStatusChanged = "appointment.status_changed"
)

// Event is a committed appointment change.
type Event struct {
	ID   string
	Type string
	// Key groups events of one appointment; brokers use it for routing or
	// partitioning so per-appointment order is kept.
	Key string
	// Topics are the websocket hub topics the event is delivered to.
	Topics     []string
	OccurredAt time.Time
	Data       json.RawMessage
}

// envelope is the broker wire format.
type envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Encode renders the broker wire format of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(envelope{
		ID:         e.ID,
		Type:       e.Type,
		Key:        e.Key,
		OccurredAt: e.OccurredAt.UTC(),
		Data:       e.Data,
	})
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Publisher delivers every event to all sinks. A failing sink does not stop
// delivery to the others.
type Publisher struct {
	sinks   []Sink
	timeout time.Duration
	logger  zerolog.Logger
}

func NewPublisher(logger zerolog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks, timeout: 5 * time.Second, logger: logger}
}

// Publish sends e to every sink and returns the joined sink errors.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	var errs []error
	for _, s := range p.sinks {
		if err := s.Publish(ctx, e); err != nil {
			p.logger.Error().Err(err).
				Str("sink", s.Name()).
				Str("event_id", e.ID).
				Str("event_type", e.Type).
				Msg("event delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Sinks lists the configured sink names.
func (p *Publisher) Sinks() []string {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name()
	}
	return names
}

// Close closes every sink.
func (p *Publisher) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
