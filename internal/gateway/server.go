// Package gateway exposes the engine over a WebSocket RPC endpoint:
// request/response frames for the job and run methods, and a pushed event
// stream mirroring the engine bus.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chronod/chronod/internal/engine"
	"github.com/chronod/chronod/pkg/protocol"
)

const (
	serverName    = "chronod"
	serverVersion = "0.1.0"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway binds to loopback by default; origin checks add nothing
	// for non-browser clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server accepts WebSocket clients and bridges them to the engine.
type Server struct {
	addr   string
	token  string
	engine *engine.Engine
	logger *slog.Logger
	router *methodRouter

	httpSrv *http.Server
	ln      net.Listener

	mu      sync.Mutex
	clients map[string]*Client
	seq     int64

	cancelEvents func()
	eventsDone   chan struct{}
}

// New builds a server bound to addr. An empty token disables
// authentication; with a token set, connect must present it.
func New(addr, token string, eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:    addr,
		token:   token,
		engine:  eng,
		logger:  logger.With("component", "gateway"),
		clients: make(map[string]*Client),
	}
	s.router = newMethodRouter(s)
	return s
}

// Start listens on the configured address and begins serving. The engine
// event stream is fanned out to connected clients until the engine or the
// server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	events, cancel, err := s.engine.Subscribe("gateway")
	if err != nil {
		ln.Close()
		return err
	}
	s.cancelEvents = cancel
	s.eventsDone = make(chan struct{})
	go s.pumpEvents(events)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and closes every client.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelEvents != nil {
		s.cancelEvents()
		<-s.eventsDone
	}

	s.mu.Lock()
	for id, c := range s.clients {
		delete(s.clients, id)
		c.Close()
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.logger.Debug("client connected", "client", client.id, "remote", r.RemoteAddr)

	client.Run()

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	s.logger.Debug("client disconnected", "client", client.id)
}

// pumpEvents forwards engine events to every authenticated client, in
// emission order, tagged with a monotonically increasing sequence number.
func (s *Server) pumpEvents(events <-chan engine.Event) {
	defer close(s.eventsDone)
	for ev := range events {
		s.mu.Lock()
		s.seq++
		frame := protocol.NewEvent(protocol.EventEngine, ev)
		frame.Seq = s.seq
		for _, c := range s.clients {
			if c.authenticated {
				c.SendEvent(frame)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
