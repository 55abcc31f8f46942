package httpapi

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltbot/moltbot/service/dispatcher"
	"github.com/moltbot/moltbot/service/task"
)

const maxStreamConnections = 200

// streamHub broadcasts dispatcher lifecycle events to connected WebSocket
// clients. Adapted from the control plane's single-broadcaster metrics
// hub: here the hub is pushed to directly by the dispatcher as events
// happen, rather than polling a metrics snapshot on a ticker.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	logger  *log.Logger
}

func newStreamHub(logger *log.Logger) *streamHub {
	if logger == nil {
		logger = log.Default()
	}
	return &streamHub{clients: make(map[*websocket.Conn]struct{}), logger: logger}
}

// attach registers the hub as a handler for every lifecycle event.
func (h *streamHub) attach(d *dispatcher.Dispatcher) {
	for _, ev := range []dispatcher.Event{
		dispatcher.EventSubmit, dispatcher.EventStart, dispatcher.EventComplete,
		dispatcher.EventError, dispatcher.EventCancel, dispatcher.EventProgress,
	} {
		ev := ev
		d.OnEvent(ev, func(_ context.Context, t *task.Task) {
			h.broadcast(dispatcher.Entry{
				Event:     ev,
				TaskID:    t.ID,
				Status:    string(t.State),
				Model:     t.Model,
				Timestamp: time.Now(),
			})
		})
	}
}

func (h *streamHub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxStreamConnections {
		return false
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *streamHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *streamHub) broadcast(entry dispatcher.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(entry); err != nil {
			h.logger.Printf("httpapi: stream write error: %v", err)
			go h.unregister(conn)
		}
	}
}

func (h *streamHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
