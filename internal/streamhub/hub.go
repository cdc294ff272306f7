// Package streamhub implements the event stream hub (component L,
// added beyond the distilled spec): a WebSocket fan-out of the
// gateway's five core events for warehouse software that wants to
// watch task/device state rather than poll the façade. It is a
// machine-to-machine feed, not a rendered UI, and carries no HTML or
// template assets — adapted from the teacher's internal/web.Hub, which
// broadcast workflow state to a dashboard the same way.
package streamhub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"shuttlegateway/internal/event"
)

// wireEvent is the JSON shape pushed to every subscriber. It mirrors
// event.Event but only exports the fields a wire consumer needs, and
// renders the error detail as a plain string.
type wireEvent struct {
	Type       event.Type `json:"type"`
	DeviceID   string     `json:"device_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Barcode    string     `json:"barcode,omitempty"`
	Error      string     `json:"error,omitempty"`
	NewStatus  string     `json:"new_status,omitempty"`
	PrevStatus string     `json:"prev_status,omitempty"`
}

func toWire(e event.Event) wireEvent {
	w := wireEvent{
		Type:       e.Type,
		DeviceID:   e.DeviceID,
		TaskID:     e.TaskID,
		Barcode:    e.Barcode,
		NewStatus:  string(e.NewStatus),
		PrevStatus: string(e.PrevStatus),
	}
	if e.Error != nil {
		w.Error = e.Error.GetFullMessage()
	}
	return w
}

// Hub manages every connected subscriber and broadcasts each event bus
// publication to all of them, one write at a time per connection.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// New builds an un-started Hub. Call Run in its own goroutine, then
// Attach it to the event bus.
func New() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Run processes registrations and broadcasts. It never returns; there
// is no stop signal.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					slog.Warn("streamhub: write failed, dropping subscriber", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Attach subscribes h to every core event type on bus.
func (h *Hub) Attach(bus *event.Bus) {
	for _, t := range []event.Type{
		event.BarcodeReceived, event.TaskSucceeded, event.TaskFailed,
		event.TaskCancelled, event.DeviceStatusChanged,
	} {
		bus.Subscribe(t, h.broadcastEvent)
	}
}

func (h *Hub) broadcastEvent(e event.Event) {
	message, err := json.Marshal(toWire(e))
	if err != nil {
		slog.Error("streamhub: failed to marshal event", "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		slog.Warn("streamhub: broadcast buffer full, dropping event", "type", e.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades r to a WebSocket and registers it as a subscriber.
// There is no read pump: the protocol is server-to-client only.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("streamhub: upgrade failed", "error", err)
		return
	}
	h.register <- conn
}
