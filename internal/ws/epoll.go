//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 500

// Epoll wraps Linux epoll syscalls for WebSocket read readiness. Instead of a
// goroutine per connection, descriptors are registered with the kernel and
// the event loop is told which ones have data.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> connection
	mu          sync.RWMutex        // protects connections map
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for EPOLLIN and EPOLLHUP notifications.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}
	e.connections[c.Fd] = c
	return nil
}

// Remove unregisters c. The map entry is dropped even if the kernel already
// forgot the descriptor because the socket was closed.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.connections[c.Fd]; !ok || cur != c {
		return nil
	}
	delete(e.connections, c.Fd)
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// Rearm is a no-op: level-triggered epoll reports a descriptor again while
// it still has unread data.
func (e *Epoll) Rearm(*Connection) {}

// Wait blocks until one or more registered connections are ready for reading
// or the wait times out, in which case it returns an empty slice.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]*Connection)
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn without duplicating
// it. It returns -1 for connections that are not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	}); err != nil {
		return -1
	}
	return fd
}

// isEINTR reports whether err is an interrupted system call, which the event
// loop retries.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
