package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one device's WebSocket connection. Outbound frames are
// serialized by writeMu because relayed peer updates and direct responses are
// written from different worker goroutines.
type Connection struct {
	ID        string   // connection id (UUID), the engine's connection identity
	Conn      net.Conn // the poller-facing connection; reads and writes go through it
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the last inbound frame
	writeMu    sync.Mutex
	processing int32 // 1 while a worker is reading from the connection
}

func newConnection(id string, conn net.Conn, now time.Time) *Connection {
	c := &Connection{ID: id, Conn: conn, CreatedAt: now}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Touch records inbound activity.
func (c *Connection) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping frame with the same payload.
func (c *Connection) WritePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by id and by the net.Conn the
// poller reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove unregisters the connection and closes it. It returns false if the
// connection was already gone, so concurrent removals clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping conn, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[conn]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
