package progress

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// Event is one message broadcast to dashboard clients: a batch of
// ledger entries newly appended for a run.
type Event struct {
	Type    string               `json:"type"`
	RunID   string               `json:"run_id"`
	Entries []domain.LedgerEntry `json:"entries"`
}

const EventTypeLedgerAppend = "ledger_append"

// Hub fans out Events to every connected websocket client, mirroring
// teacher web/api/sse.go's SSEHub register/unregister/broadcast shape.
// A slow or stalled client is dropped rather than allowed to block the
// broadcast of the next event.
type Hub struct {
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

// NewHub constructs an idle Hub; call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		upgrader: websocket.Upgrader{
			// The dashboard is a separate origin in development; the
			// server itself carries no session/auth state to protect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run services the hub's channels until ctx-less callers stop calling
// it; intended to run for the lifetime of the process in its own
// goroutine, same as SSEHub.Run.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends event to every currently connected client.
func (h *Hub) Broadcast(event Event) {
	h.broadcast <- event
}

// OnNewEntries adapts a LedgerWatcher's NewEntryCallback signature
// into a Hub broadcast, so wiring is one line in cmd/refactor-orch:
// watcher, _ := progress.NewLedgerWatcher(runID, path, led, hub.OnNewEntries)
func (h *Hub) OnNewEntries(runID string, entries []domain.LedgerEntry) {
	h.Broadcast(Event{Type: EventTypeLedgerAppend, RunID: runID, Entries: entries})
}

// ServeHTTP upgrades the request to a websocket and streams Events to
// it until the client disconnects. Registration/unregistration mirror
// sseHandler's register/unregister-on-context-done pattern.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := make(chan Event, 8)
	h.register <- client

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.unregister <- client
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-client:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
