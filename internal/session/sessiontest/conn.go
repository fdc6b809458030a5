// Package sessiontest provides a recording session.Conn for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sessiontest: connection closed")

// ErrSendFailed is returned by Send when FailSends is set.
var ErrSendFailed = errors.New("sessiontest: send failed")

// Conn records every frame sent to it.
type Conn struct {
	id   string
	addr string

	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	failSends bool
	closes    int
}

// NewConn returns an open connection with the given id and origin address.
func NewConn(id, addr string) *Conn {
	return &Conn{id: id, addr: addr}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.addr }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.failSends {
		return ErrSendFailed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// FailSends makes every later Send return ErrSendFailed.
func (c *Conn) FailSends() {
	c.mu.Lock()
	c.failSends = true
	c.mu.Unlock()
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Frames returns a copy of the raw frames received so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Messages decodes every received frame. Frames that are not JSON objects
// are returned as {"raw": "<frame>"}.
func (c *Conn) Messages() []map[string]interface{} {
	frames := c.Frames()
	out := make([]map[string]interface{}, 0, len(frames))
	for _, f := range frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			m = map[string]interface{}{"raw": string(f)}
		}
		out = append(out, m)
	}
	return out
}

// Types returns the "type" of every received message in order.
func (c *Conn) Types() []string {
	msgs := c.Messages()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

// Count returns how many received messages have the given type.
func (c *Conn) Count(msgType string) int {
	n := 0
	for _, t := range c.Types() {
		if t == msgType {
			n++
		}
	}
	return n
}

// Last returns the most recent message of the given type.
func (c *Conn) Last(msgType string) (map[string]interface{}, bool) {
	msgs := c.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == msgType {
			return msgs[i], true
		}
	}
	return nil, false
}

// Reset forgets every recorded frame.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
