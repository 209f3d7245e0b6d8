// Package ws handles WebSocket connection management: upgrading HTTP
// connections, running the per-connection reader and writer goroutines, and
// handing complete frames to the application layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/stranger-chat/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	SendBuffer     int           // outbound frames queued per connection
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket with the gobwas/ws zero-copy
// upgrader and runs two goroutines per connection: a reader that blocks on
// the socket and a writer that drains the bounded send channel. The
// application layer never touches the socket directly; it enqueues frames by
// connection ID.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onConnect    func(connID string)
	onMessage    func(connID string, data []byte)
	onDisconnect func(connID string)
	statsFn      func() map[string]interface{}
	mux          *http.ServeMux
	httpServer   *http.Server
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration. onMessage is
// called from the connection's reader goroutine for every complete text
// frame; onDisconnect fires exactly once per connection, after it leaves the
// registry.
func NewServer(config ServerConfig, onMessage func(connID string, data []byte), onDisconnect func(connID string)) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/stats", s.handleStats)
	return s
}

// Handle mounts an extra HTTP handler (e.g. /metrics) on the server mux.
// Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetOnConnect registers a callback that runs after the upgrade, before any
// frame from the connection can be dispatched.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetStatsFunc registers a callback that contributes application counters to
// the /stats payload.
func (s *Server) SetStatsFunc(fn func() map[string]interface{}) {
	s.statsFn = fn
}

// Start begins accepting WebSocket connections and blocks on
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	log.Printf("ws: server listening on %s (max_conns=%d, send_buffer=%d)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.SendBuffer)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, registers
// it and starts its reader and writer goroutines.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendBuffer)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c.ID)
	}
	go c.writeLoop(s.config.WriteTimeout)
	go s.readLoop(c)

	log.Printf("ws: new connection conn=%s remote=%s (total=%d)", c.ID, conn.RemoteAddr(), s.conns.Count())
}

// readLoop blocks on the socket and hands every complete text frame to the
// application layer. wsutil.ReadClientData answers protocol-level control
// frames internally; any read error ends the connection.
func (s *Server) readLoop(c *Connection) {
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			s.remove(c)
			return
		}
		if op != ws.OpText || len(data) == 0 {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(c.ID, data)
		}
	}
}

// remove tears a connection down exactly once and notifies the application
// layer.
func (s *Server) remove(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	c.abort()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Enqueue queues an outbound frame for the given connection. A full send
// buffer tears the connection down.
func (s *Server) Enqueue(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if err := c.Enqueue(data); err != nil {
		log.Printf("ws: enqueue failed conn=%s: %v", connID, err)
		s.remove(c)
		return err
	}
	return nil
}

// Close shuts a connection down gracefully: queued frames are flushed, a
// close frame is sent, then the socket closes. Used for kicks so the final
// moderation event still reaches the client.
func (s *Server) Close(connID string) {
	c := s.conns.Get(connID)
	if c == nil {
		return
	}
	c.shutdown()
	// The reader unblocks when the writer closes the socket and runs the
	// normal removal path, firing onDisconnect.
}

// LiveConnIDs returns the set of currently registered connection IDs.
func (s *Server) LiveConnIDs() map[string]bool {
	return s.conns.IDs()
}

// Count returns the current number of active connections.
func (s *Server) Count() int {
	return s.conns.Count()
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats responds with application counters merged over the transport's
// own numbers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.statsFn != nil {
		for k, v := range s.statsFn() {
			stats[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// Shutdown stops the HTTP listener and closes all active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}
	for _, c := range s.conns.All() {
		c.shutdown()
	}
	log.Printf("ws: server stopped, all connections closed")
	return nil
}
