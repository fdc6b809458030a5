package hub

import (
	"context"
	"log"

	"github.com/tiktalk/chat-app/internal/session"
)

type eventKind int

const (
	eventConnect eventKind = iota
	eventMessage
	eventDisconnect
	eventCall
)

// event is one unit of work for the hub goroutine. A single queue keeps a
// connection's connect, frames and disconnect in arrival order.
type event struct {
	kind   eventKind
	conn   session.Conn
	connID string
	data   []byte
	fn     func(*Dispatcher)
}

// Hub serializes every connect, message and disconnect through one goroutine
// so the Dispatcher and the components it owns never need locks.
type Hub struct {
	d      *Dispatcher
	events chan event
	done   chan struct{}
}

// New creates a Hub around d. buffer sizes the event queue.
func New(d *Dispatcher, buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	return &Hub{
		d:      d,
		events: make(chan event, buffer),
		done:   make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	log.Printf("[hub] running")

	for {
		select {
		case <-ctx.Done():
			log.Printf("[hub] stopped")
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case eventConnect:
		h.d.HandleConnect(ev.conn)
	case eventMessage:
		h.d.HandleMessage(ev.connID, ev.data)
	case eventDisconnect:
		h.d.HandleDisconnect(ev.connID)
	case eventCall:
		ev.fn(h.d)
	}
}

func (h *Hub) post(ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Connect admits a freshly upgraded connection.
func (h *Hub) Connect(conn session.Conn) {
	h.post(event{kind: eventConnect, conn: conn})
}

// Message queues a frame read from connection id. The hub takes ownership of
// data.
func (h *Hub) Message(id string, data []byte) {
	h.post(event{kind: eventMessage, connID: id, data: data})
}

// Disconnect queues cleanup for a closed connection.
func (h *Hub) Disconnect(id string) {
	h.post(event{kind: eventDisconnect, connID: id})
}

// Do runs fn on the hub goroutine and waits for it to return. It reports
// false if the hub has stopped. It is the only safe way to read component
// state from outside the hub; the server uses it for the shutdown summary
// and tests use it to inspect state.
func (h *Hub) Do(fn func(*Dispatcher)) bool {
	finished := make(chan struct{})
	ok := h.post(event{kind: eventCall, fn: func(d *Dispatcher) {
		defer close(finished)
		fn(d)
	}})
	if !ok {
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
