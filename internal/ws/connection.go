package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrConnClosed is returned when writing to a connection that was closed.
var ErrConnClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID           string    // connection ID (UUID)
	Conn         net.Conn  // underlying connection, possibly wrapped by Epoll
	Fd           int       // file descriptor, -1 where unavailable
	RemoteIP     string    // client IP used for connect throttling
	CreatedAt    time.Time // when the connection was established
	lastActivity int64     // unix nanos of the last frame read
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	closed       int32      // atomic flag: 1 once Close has been called
}

func newConnection(id string, conn net.Conn, fd int, remoteIP string, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		RemoteIP:     remoteIP,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.touch(now)
	return c
}

// ConnID returns the connection's unique ID.
func (c *Connection) ConnID() string {
	return c.ID
}

// Open reports whether the connection has not been closed.
func (c *Connection) Open() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

// Send writes a text frame bounded by the write timeout. It never waits for
// the peer beyond that deadline.
func (c *Connection) Send(data []byte) error {
	if !c.Open() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9). The
// write mutex ensures this does not interleave with other outbound frames.
func (c *Connection) WritePing() error {
	if !c.Open() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close marks the connection closed and closes the network connection. Only
// the first call closes the socket.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.Conn.Close()
}

// LastActivity returns when a frame was last read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *Connection) touch(t time.Time) {
	atomic.StoreInt64(&c.lastActivity, t.UnixNano())
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// network connections to their Connection objects. It supports O(1) lookups
// by both.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection ID -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn, or nil if not
// found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
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
