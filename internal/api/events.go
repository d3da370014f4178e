package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventBuffer   = 256
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// The socket is a local Unix domain socket; origin checks don't apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventEnvelope is the wire form of one bus event.
type eventEnvelope struct {
	EventID   string    `json:"eventId"`
	Session   string    `json:"session"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// handleEvents upgrades to a websocket and forwards bus events. The ns query
// parameter filters by namespace prefix ("sync.", "entity.", ...); empty
// subscribes to everything.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("ns")

	// Subscribe before the upgrade completes so events emitted the moment
	// the client's dial returns are already buffered.
	ch, unsub := h.bus.Subscribe(namespace, eventBuffer)
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain client frames so pongs and close frames are processed; any read
	// error ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("event stream opened", zap.String("namespace", namespace))
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt := <-ch:
			env := eventEnvelope{
				EventID:   uuid.NewString(),
				Session:   h.session,
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp,
				Payload:   evt.Payload,
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
