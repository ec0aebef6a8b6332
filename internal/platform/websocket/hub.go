// Package websocket pushes appointment events to connected clients. Clients
// subscribe to topics and receive every event broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event is a message delivered to subscribed clients.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	AppointmentID string          `json:"appointmentId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription change from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected subscriber.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
	// allow reports whether the client may subscribe to a topic. Nil allows
	// every topic.
	allow func(topic string) bool
}

// NewClient creates a client with a buffered send queue.
func NewClient(id, userID string, topics []string, allow func(string) bool) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Topics: topics,
		Send:   make(chan []byte, 256),
		allow:  allow,
	}
}

func (c *Client) permitted(topic string) bool {
	return c.allow == nil || c.allow(topic)
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped atomic.Uint64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its permitted initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	initial := client.Topics
	client.Topics = nil
	h.subscribeLocked(client, initial)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the permitted topics to a registered client and returns
// the topics that were refused.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) []string {
	var refused []string
	for _, topic := range topics {
		if !client.permitted(topic) {
			refused = append(refused, topic)
			continue
		}
		subs := h.clients[topic]
		if subs == nil {
			subs = make(map[*Client]struct{})
			h.clients[topic] = subs
		}
		if _, already := subs[client]; already {
			continue
		}
		subs[client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
	return refused
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	remove := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		remove[topic] = struct{}{}
		if subs, ok := h.clients[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	kept := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := remove[t]; !rm {
			kept = append(kept, t)
		}
	}
	client.Topics = kept
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if refused := h.Subscribe(client, msg.Topics); len(refused) > 0 {
			h.logger.Debug().Str("client_id", client.ID).Strs("topics", refused).Msg("websocket subscription refused")
		}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends event to every subscriber of its topic. Slow clients
// whose queue is full miss the event.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("websocket: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Publish broadcasts event. It never fails.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers of topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped returns how many deliveries were skipped because a client queue
// was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// CloseAll disconnects every client; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.all {
		close(client.Send)
	}
	h.all = make(map[*Client]struct{})
	h.clients = make(map[string]map[*Client]struct{})
}
