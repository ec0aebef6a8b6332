package events

import (
	"context"

	"github.com/healconnect/healconnect/internal/platform/websocket"
)

// HubSink pushes events to websocket subscribers.
type HubSink struct{ hub *websocket.Hub }

func NewHubSink(hub *websocket.Hub) *HubSink { return &HubSink{hub: hub} }

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Publish(ctx context.Context, e Event) error {
	for _, topic := range e.Topics {
		if err := s.hub.Publish(ctx, websocket.Event{
			ID:            e.ID,
			Type:          e.Type,
			Topic:         topic,
			AppointmentID: e.Key,
			Timestamp:     e.OccurredAt,
			Data:          e.Data,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *HubSink) Close() error { return nil }
