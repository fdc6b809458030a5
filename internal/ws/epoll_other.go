//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection fallback for platforms without epoll.
// Each monitored connection is reported ready, then not again until the
// server has finished reading from it and calls Rearm. Nothing is read here,
// so no bytes are taken from the stream.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]chan struct{} // connection -> rearm signal
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c.
func (e *Epoll) Add(c *Connection) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[c] = rearm
	e.mu.Unlock()

	go e.monitor(c, rearm)
	return nil
}

func (e *Epoll) monitor(c *Connection, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		case <-c.Done():
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		case <-c.Done():
			return
		}
	}
}

// Rearm lets c be reported ready again.
func (e *Epoll) Rearm(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rearm, ok := e.conns[c]
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	rearm, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		close(rearm)
	}
	return nil
}

// Wait blocks until at least one connection should be read.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is unused by the fallback poller.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
