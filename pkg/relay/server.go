// Package relay exposes a shared store to remote contexts over WebSocket.
// Each connected client declares an origin and gets the same contract a
// local instance has: writes fan out to everyone else, never back to the
// writer.
package relay

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

// Frame is the wire format between relay and client, one JSON object per
// WebSocket message.
type Frame struct {
	// Type is one of "snapshot", "event", "set", "delete".
	Type string `json:"type"`

	// Key and Value apply to set, delete and event frames. An event frame
	// with Deleted set carries no value.
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`

	// Origin is the writer behind an event frame.
	Origin string `json:"origin,omitempty"`

	// Entries is the full store contents, sent once on connect.
	Entries map[string]string `json:"entries,omitempty"`
}

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FrameSet      = "set"
	FrameDelete   = "delete"
)

// Server relays one Store to WebSocket clients.
type Server struct {
	st  store.Store
	log *slog.Logger

	upgrader websocket.Upgrader
	trace    *tracer

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default: slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithCheckOrigin sets the WebSocket origin check. Default: allow all,
// suitable for same-host deployments behind a proxy.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithTracerName sets the OpenTelemetry tracer name. Default: "tabsync-relay".
func WithTracerName(name string) ServerOption {
	return func(s *Server) { s.trace = newTracer(name) }
}

// NewServer creates a relay over the given store.
func NewServer(st store.Store, opts ...ServerOption) *Server {
	s := &Server{
		st:      st,
		log:     slog.Default(),
		trace:   newTracer(defaultTracerName),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the relay's HTTP surface: /ws for clients, /healthz and
// /metrics for operators.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.serveWS)
	return r
}

// serveWS upgrades the connection and runs the client until it drops.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		origin = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}

	c := &client{
		srv:    s,
		conn:   conn,
		origin: origin,
		send:   make(chan Frame, 64),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("client attached", "origin", origin, "remote", r.RemoteAddr)
	c.run()
}

// Close disconnects every client. The underlying store is left alone.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// snapshot collects the store's current contents. Not atomic against
// concurrent writers; clients reconcile through subsequent events.
func (s *Server) snapshot() map[string]string {
	entries := make(map[string]string)
	for _, key := range s.st.Keys("") {
		if v, ok := s.st.Get(key); ok {
			entries[key] = v
		}
	}
	return entries
}