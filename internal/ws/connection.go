package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campuslink/chat-app/internal/auth"
)

// Connection is one push channel: the identity bound at upgrade time, the
// socket, and a write mutex that keeps frames from interleaving.
type Connection struct {
	ID         string
	Conn       net.Conn
	Identity   auth.Identity // zero for unauthenticated connections
	CreatedAt  time.Time
	WriteLimit time.Duration // per-frame write deadline, 0 for none

	lastSeen atomic.Int64 // unix nanos of the last frame read
	reader   io.Reader    // set by pollers that buffer the socket
	fd       int          // set by the epoll poller
	writeMu  sync.Mutex
}

// Authenticated reports whether the connection presented a valid token.
func (c *Connection) Authenticated() bool {
	return c.Identity.UserID != ""
}

// UserID returns the authenticated user, or "" for anonymous connections.
func (c *Connection) UserID() string {
	return c.Identity.UserID
}

// LastSeen is when the peer last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) source() io.Reader {
	if c.reader != nil {
		return c.reader
	}
	return c.Conn
}

// WriteMessage sends a text frame. A non-zero WriteLimit bounds each write.
func (c *Connection) WriteMessage(data []byte) error {
	return c.writeFrame(func(w io.Writer) error {
		return wsutil.WriteServerMessage(w, ws.OpText, data)
	})
}

// WritePing sends a protocol-level ping; browsers answer it without any
// application code.
func (c *Connection) WritePing() error {
	return c.writeFrame(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.NewPingFrame(nil))
	})
}

func (c *Connection) writeFrame(write func(io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteLimit > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteLimit))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return write(c.Conn)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is the registry of live connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove drops the connection and closes it. It returns false when the
// connection was already gone, so callers can run teardown exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot safe to iterate without the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	return conns
}
