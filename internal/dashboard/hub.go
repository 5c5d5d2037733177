package dashboard

import (
	"sync"

	"github.com/opensafely-core/job-runner/internal/events"
)

// Hub fans out events.Bus events to connected SSE clients. Same
// register/unregister/broadcast shape as the teacher's internal/web.Hub,
// carrying events.Event instead of the teacher's own web.Event — one less
// translation layer since the Controller and Agent already speak
// events.Event natively. Unlike the teacher's channel-driven Run loop,
// broadcast here happens directly under a read lock, with no separate
// writer goroutine. events.Bus.Emit runs the Hub's handler synchronously,
// so Broadcast itself never blocks: an event is dropped for any client
// whose buffer is full.
type Hub struct {
	mu     sync.RWMutex
	closed bool

	clients map[*hubClient]struct{}
}

type hubClient struct {
	id     string
	events chan events.Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Subscribe wires h to bus so every Emit reaches every connected client.
// Returns bus's unsubscribe function.
func (h *Hub) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(h.Broadcast)
}

// Broadcast delivers e to every currently-registered client. A client
// whose buffer is full has the event dropped for it rather than blocking
// the publisher.
func (h *Hub) Broadcast(e events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.events <- e:
		default:
		}
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.events)
		return
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.events)
	}
}

// Stop closes every connected client's channel and refuses further
// registrations.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.events)
	}
	h.clients = make(map[*hubClient]struct{})
}

func newHubClient(id string) *hubClient {
	return &hubClient{id: id, events: make(chan events.Event, 256)}
}

// Count returns the number of currently connected SSE clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
