package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub { return NewHub(zerolog.Nop()) }

func ownTopicOnly(patientID string) func(string) bool {
	own := "appointments/patient/" + patientID
	return func(topic string) bool { return topic == own }
}

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	client := NewClient("c1", "doctor-1", []string{"appointments"}, nil)

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("appointments") != 1 {
		t.Fatalf("expected 1 subscriber on appointments, got %d", hub.TopicCount("appointments"))
	}
}

func TestHub_RegisterDropsForbiddenInitialTopics(t *testing.T) {
	hub := newTestHub()
	client := NewClient("c1", "p1", []string{"appointments", "appointments/patient/p1"}, ownTopicOnly("p1"))

	hub.Register(client)

	if hub.TopicCount("appointments") != 0 {
		t.Error("patient should not be subscribed to the doctor feed")
	}
	if hub.TopicCount("appointments/patient/p1") != 1 {
		t.Error("patient should be subscribed to their own feed")
	}
	if len(client.Topics) != 1 {
		t.Errorf("expected 1 topic on client, got %v", client.Topics)
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub()
	client := NewClient("c1", "doctor-1", []string{"appointments"}, nil)
	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 || hub.TopicCount("appointments") != 0 {
		t.Fatalf("expected hub to be empty, got %d clients", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// A second Unregister is a no-op.
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()
	doctor := NewClient("d", "doctor-1", []string{"appointments"}, nil)
	patient := NewClient("p", "p1", []string{"appointments/patient/p1"}, ownTopicOnly("p1"))
	hub.Register(doctor)
	hub.Register(patient)

	hub.Broadcast(Event{ID: "e1", Type: "appointment.booked", Topic: "appointments", AppointmentID: "a1", Timestamp: time.Now()})

	select {
	case msg := <-doctor.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if got.Type != "appointment.booked" || got.AppointmentID != "a1" {
			t.Errorf("unexpected event %+v", got)
		}
	default:
		t.Fatal("doctor did not receive the event")
	}

	select {
	case <-patient.Send:
		t.Fatal("patient should not receive doctor-feed events")
	default:
	}
}

func TestHub_SubscribeRespectsAllow(t *testing.T) {
	hub := newTestHub()
	client := NewClient("p", "p1", nil, ownTopicOnly("p1"))
	hub.Register(client)

	refused := hub.Subscribe(client, []string{"appointments/patient/p2", "appointments/patient/p1"})

	if len(refused) != 1 || refused[0] != "appointments/patient/p2" {
		t.Errorf("refused = %v, want [appointments/patient/p2]", refused)
	}
	if hub.TopicCount("appointments/patient/p1") != 1 {
		t.Error("expected subscription to own topic")
	}
	if hub.TopicCount("appointments/patient/p2") != 0 {
		t.Error("expected no subscription to another patient's topic")
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := newTestHub()
	client := NewClient("d", "doctor-1", nil, nil)
	hub.Register(client)

	hub.Subscribe(client, []string{"appointments"})
	hub.Subscribe(client, []string{"appointments"})

	if len(client.Topics) != 1 {
		t.Errorf("expected 1 topic, got %v", client.Topics)
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := newTestHub()
	client := NewClient("d", "doctor-1", nil, nil)
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"appointments", "appointments/patient/p9"}})
	if hub.TopicCount("appointments") != 1 || hub.TopicCount("appointments/patient/p9") != 1 {
		t.Fatal("expected both subscriptions")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"appointments"}})
	if hub.TopicCount("appointments") != 0 {
		t.Error("expected appointments subscription removed")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "appointments/patient/p9" {
		t.Errorf("unexpected remaining topics %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Error("unknown action must be ignored")
	}
}

func TestHub_FullQueueDropsEvent(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"appointments"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast(Event{Type: "a", Topic: "appointments"})
	hub.Broadcast(Event{Type: "b", Topic: "appointments"})

	if hub.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", hub.Dropped())
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient("c", "doctor", []string{"appointments"}, nil)
			hub.Register(c)
			hub.Broadcast(Event{Type: "appointment.booked", Topic: "appointments"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_CloseAll(t *testing.T) {
	hub := newTestHub()
	a := NewClient("a", "d1", []string{"appointments"}, nil)
	b := NewClient("b", "d2", []string{"appointments"}, nil)
	hub.Register(a)
	hub.Register(b)

	hub.CloseAll()

	if hub.ClientCount() != 0 || hub.TopicCount("appointments") != 0 {
		t.Fatal("expected hub to be empty after CloseAll")
	}
	if _, ok := <-a.Send; ok {
		t.Error("expected client channel closed")
	}
	hub.Unregister(a)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://clinic.example"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://clinic.example", true},
		{"HTTPS://CLINIC.EXAMPLE", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := check(req); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("empty origin list should accept any origin")
	}
}

func TestHandler_AccessErrorRejects(t *testing.T) {
	hub := newTestHub()
	h := NewHandler(hub, func(echo.Context) (Access, error) {
		return Access{}, echo.NewHTTPError(http.StatusForbidden, "doctors only")
	}, nil)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := h.HandleConnect(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Error("no client should be registered")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	h := NewHandler(hub, func(echo.Context) (Access, error) {
		return Access{UserID: "doctor-1", Topics: []string{"appointments"}}, nil
	}, nil)

	e := echo.New()
	e.GET("/ws", h.HandleConnect)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("appointments") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("appointments") != 1 {
		t.Fatal("expected the connection to be subscribed to appointments")
	}

	hub.Broadcast(Event{ID: "e1", Type: "appointment.status_changed", Topic: "appointments", AppointmentID: "a-42", Timestamp: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "appointment.status_changed" || received.AppointmentID != "a-42" {
		t.Fatalf("unexpected event %+v", received)
	}
}
