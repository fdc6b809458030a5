// Package ws is the chat server's transport. It upgrades HTTP requests to
// WebSocket, watches sockets for readable data with epoll, reads frames on a
// bounded worker pool and hands complete text frames to a Handler. Outbound
// frames are queued per connection and written by a dedicated goroutine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tiktalk/chat-app/internal/metrics"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// Handler receives connection lifecycle events and inbound frames. Calls for
// one connection arrive in order: Connect, then Message calls, then a single
// Disconnect.
type Handler interface {
	Connect(conn session.Conn)
	Message(connID string, data []byte)
	Disconnect(connID string)
}

// ConnectLimiter decides whether an address may open another connection.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, addr string) bool
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":3000"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	SendQueueSize     int           // per-connection outbound queue length
	MaxFrameSize      int64         // larger inbound frames close the connection
	TrustForwardedFor bool          // take the origin address from X-Forwarded-For
	StaticDir         string        // optional directory served on non-upgrade requests
	Heartbeat         HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":3000",
		WorkerPoolSize:    256,
		MaxConnections:    10000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendQueueSize:     64,
		MaxFrameSize:      64 << 10,
		TrustForwardedFor: true,
		Heartbeat:         DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll.
type Server struct {
	config     ServerConfig
	handler    Handler
	limiter    ConnectLimiter
	epollMu    sync.Mutex
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server that reports connections and frames to handler.
func NewServer(config ServerConfig, handler Handler) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultServerConfig().MaxFrameSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	s := &Server{
		config:     config,
		handler:    handler,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetLimiter installs a per-address connect limiter checked before upgrade.
func (s *Server) SetLimiter(l ConnectLimiter) {
	s.limiter = l
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the epoll event loop and heartbeat, then serves HTTP on ln
// until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epollMu.Lock()
	s.epoll = ep
	s.startedAt = time.Now()
	s.epollMu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleRoot upgrades WebSocket requests and serves static files otherwise.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		s.handleUpgrade(w, r)
		return
	}
	if s.config.StaticDir == "" {
		http.NotFound(w, r)
		return
	}
	serveStatic(w, r, s.config.StaticDir)
}

// handleUpgrade applies admission checks, upgrades the request and hands the
// new connection to the handler before registering it with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	addr := clientAddr(r, s.config.TrustForwardedFor)
	if s.limiter != nil && !s.limiter.AllowConnect(r.Context(), addr) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		log.Printf("ws: connect rate limited addr=%s", addr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.NewString(), addr, conn, s.config.SendQueueSize, s.config.WriteTimeout, s.RemoveConnection)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	// The handler may reject and close the connection right away.
	s.handler.Connect(c)

	if err := c.register(s.poller()); err != nil {
		if !errors.Is(err, ErrConnClosed) {
			log.Printf("ws: epoll add failed for session %s: %v", c.id, err)
		}
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s addr=%s fd=%d (total=%d)", c.id, addr, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
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
		Uptime:      s.uptime().Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and dispatches each ready
// connection to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller().Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("ws: epoll wait error: %v", err)
			}
			continue
		}

		for _, c := range conns {
			c := c

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Keep-alive literals are
// answered here; every other text frame goes to the handler.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller().Rearm(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available (stale dispatch). The
		// heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	if header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame too large session=%s (%d bytes)", c.id, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return
	case ws.OpPing:
		_ = c.writeFrame(ws.NewPongFrame(data))
		return
	case ws.OpPong, ws.OpContinuation, ws.OpBinary:
		return
	}

	switch string(data) {
	case "":
		return
	case protocol.PongFrame:
		return
	case protocol.PingFrame:
		_ = c.Send([]byte(protocol.PongFrame))
		return
	}

	s.handler.Message(c.id, data)
}

// RemoveConnection unregisters c, closes it after flushing queued frames and
// tells the handler. Only the first call for a connection has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if ep := s.poller(); ep != nil {
		_ = ep.Remove(c)
	}
	c.Close()

	if !s.conns.Remove(c) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	s.handler.Disconnect(c.id)

	log.Printf("ws: connection closed session=%s (total=%d)", c.id, s.conns.Count())
}

func (s *Server) poller() *Epoll {
	s.epollMu.Lock()
	defer s.epollMu.Unlock()
	return s.epoll
}

func (s *Server) uptime() time.Duration {
	s.epollMu.Lock()
	defer s.epollMu.Unlock()
	return time.Since(s.startedAt)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit and closes
// every connection after flushing its queue.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	conns := s.conns.All()
	for _, c := range conns {
		s.RemoveConnection(c)
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
	}

	if ep := s.poller(); ep != nil {
		_ = ep.Close()
	}

	log.Printf("ws: server stopped, %d connections closed", len(conns))
	return nil
}

// clientAddr returns the origin address of r: the first X-Forwarded-For entry
// when trusted, else the remote host, else "unknown".
func clientAddr(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// serveStatic serves files from dir, falling back to index.html for paths
// that do not name a file so client-side routes load the app.
func serveStatic(w http.ResponseWriter, r *http.Request, dir string) {
	name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		http.ServeFile(w, r, name)
		return
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}
