package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrSendBufferFull is returned by Enqueue when a client stops draining its
// socket. The connection is torn down rather than letting one slow reader
// block the rest of the server.
var ErrSendBufferFull = errors.New("ws: send buffer full")

// ErrConnClosed is returned by Enqueue after the connection has shut down.
var ErrConnClosed = errors.New("ws: connection closed")

// Connection is a single WebSocket client. Exactly two goroutines touch the
// socket: the reader owns all reads, the writer owns all writes and drains
// the bounded send channel.
type Connection struct {
	ID        string // connection ID (UUID), distinct from the session ID
	CreatedAt time.Time

	conn net.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newConnection(id string, conn net.Conn, sendBuffer int) *Connection {
	return &Connection{
		ID:        id,
		CreatedAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
	}
}

// Enqueue hands an outbound frame to the writer goroutine without blocking.
// A full buffer means the client is not reading; the connection is shut down
// and ErrSendBufferFull returned.
func (c *Connection) Enqueue(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		return ErrSendBufferFull
	}
}

// shutdown closes the send channel so the writer drains queued frames and
// then closes the socket. Safe to call more than once.
func (c *Connection) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// abort tears the socket down immediately, without draining. Used on reader
// errors where the peer is already gone.
func (c *Connection) abort() {
	c.shutdown()
	_ = c.conn.Close()
}

// writeLoop drains the send channel and serializes all socket writes. When
// the channel closes it sends a close frame and closes the socket, which in
// turn unblocks the reader.
func (c *Connection) writeLoop(writeTimeout time.Duration) {
	for data := range c.send {
		if writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
			c.abort()
			// Drain remaining frames so pending Enqueues are not leaked.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	_ = c.conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by ID. Returns false if it was already
// gone, which deduplicates racing teardown paths (reader error, heartbeat
// eviction, kick).
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// IDs returns the set of live connection IDs. Used by the queue sweeper to
// drop entries whose connection vanished.
func (cm *ConnectionManager) IDs() map[string]bool {
	cm.mu.RLock()
	ids := make(map[string]bool, len(cm.byID))
	for id := range cm.byID {
		ids[id] = true
	}
	cm.mu.RUnlock()
	return ids
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
