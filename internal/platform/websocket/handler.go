package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Access describes what a connecting user may see: the topics they start
// with and a predicate for later subscriptions.
type Access struct {
	UserID  string
	Topics  []string
	Allowed func(topic string) bool
}

// AccessFunc resolves the Access of the request's user. Returning an error
// rejects the upgrade.
type AccessFunc func(c echo.Context) (Access, error)

// Handler upgrades HTTP requests to WebSocket connections bound to a Hub.
type Handler struct {
	hub      *Hub
	access   AccessFunc
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a handler. An empty origins list accepts any origin.
func NewHandler(hub *Hub, access AccessFunc, origins []string) *Handler {
	return &Handler{
		hub:    hub,
		access: access,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleConnect upgrades the connection, registers the client and starts
// its read and write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	access, err := h.access(c)
	if err != nil {
		return err
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.NewString(), access.UserID, access.Topics, access.Allowed)
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client_id", client.ID).Str("user_id", client.UserID).Strs("topics", client.Topics).Msg("websocket client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
