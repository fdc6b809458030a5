package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tiktalk/chat-app/internal/metrics"
)

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New("ws: connection closed")
	// ErrSendQueueFull is returned by Send when the frame was dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Connection is a single WebSocket client. Outbound frames go through a
// bounded queue drained by one writer goroutine, so Send never blocks the
// caller.
type Connection struct {
	id        string
	addr      string
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastSeen     atomic.Int64 // unix nanos of the last frame read
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	writeTimeout time.Duration

	writeMu sync.Mutex // serializes frames from the writer and control replies

	mu     sync.Mutex // guards send and closed
	send   chan []byte
	closed bool

	onClosed func(*Connection)
	finished chan struct{}
}

func newConnection(id, addr string, conn net.Conn, queueSize int, writeTimeout time.Duration, onClosed func(*Connection)) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Connection{
		id:           id,
		addr:         addr,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		onClosed:     onClosed,
		finished:     make(chan struct{}),
	}
	c.touch()
	go c.writePump()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client's origin address.
func (c *Connection) RemoteAddr() string { return c.addr }

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Send queues a text frame. A full queue drops the frame.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		metrics.FramesDropped.Inc()
		log.Printf("ws: send queue full, dropping frame session=%s", c.id)
		return ErrSendQueueFull
	}
}

// Close stops accepting frames. Frames already queued are written before the
// socket closes. Close never blocks and may be called more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	return nil
}

// Alive reports whether the connection still accepts frames.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// register adds c to e unless c is already closing.
func (c *Connection) register(e *Epoll) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return e.Add(c)
}

// Done is closed once the socket has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.finished
}

func (c *Connection) writePump() {
	defer func() {
		// Unregister while the descriptor is still open so it cannot be
		// confused with a reused one.
		if c.onClosed != nil {
			c.onClosed(c)
		}
		_ = c.Conn.Close()
		close(c.finished)
	}()

	failed := false
	for data := range c.send {
		if failed {
			continue
		}
		if err := c.write(ws.OpText, data); err != nil {
			log.Printf("ws: write failed session=%s: %v", c.id, err)
			failed = true
			c.Close()
		}
	}
	if !failed {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	}
}

func (c *Connection) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// ConnectionManager is a thread-safe registry of live connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.id] = c
	cm.mu.Unlock()
}

// Remove forgets c. It returns false if c was already gone, so concurrent
// removals run cleanup once.
func (cm *ConnectionManager) Remove(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cur, ok := cm.byID[c.id]; !ok || cur != c {
		return false
	}
	delete(cm.byID, c.id)
	return true
}

// Get returns the connection for id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
