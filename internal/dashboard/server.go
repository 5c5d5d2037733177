package dashboard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/opensafely-core/job-runner/internal/events"
)

// Config carries the dashboard server's listen address and the backends
// it reports on.
type Config struct {
	Addr     string
	Backends []string
}

// Server is the dashboard's HTTP frontend: GET /state for a point-in-time
// Snapshot, GET /events for a live events.Bus stream. Structured the same
// way as the teacher's web.Server (store+hub behind one mux, Start/Stop
// around a net.Listener), minus the Unix-socket ingestion side — this
// dashboard reads directly from the Controller's own store and bus
// in-process, it has no separate writer to receive from.
type Server struct {
	addr     string
	backends []string
	store    Store
	flags    FlagReader
	hub      *Hub

	httpServer *http.Server
	listener   net.Listener
	unsub      func()
}

// New builds a Server and, if bus is non-nil, subscribes its hub to bus
// straight away. It does not start listening until Start is called.
func New(cfg Config, store Store, flags FlagReader, bus *events.Bus) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}

	hub := NewHub()
	s := &Server{
		addr:     cfg.Addr,
		backends: cfg.Backends,
		store:    store,
		flags:    flags,
		hub:      hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.stateHandler)
	mux.HandleFunc("GET /events", s.eventsHandler)
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}

	if bus != nil {
		s.unsub = hub.Subscribe(bus)
	}
	return s
}

// Start begins listening and serves HTTP on a background goroutine.
// Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("dashboard: listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()
	return nil
}

// Stop gracefully shuts the server down and stops the SSE hub.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the actual listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the mux for tests that drive requests through
// httptest.Server without a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.stateHandler)
	mux.HandleFunc("GET /events", s.eventsHandler)
	return mux
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := BuildSnapshot(r.Context(), s.store, s.flags, s.backends)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	client := newHubClient(randomID())
	s.hub.register(client)
	defer s.hub.unregister(client)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-client.events:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "fallback"
	}
	return hex.EncodeToString(b)
}
