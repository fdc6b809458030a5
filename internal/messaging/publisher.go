package messaging

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// DefaultPublisherBuffer is the number of events a Publisher queues before it
// starts dropping.
const DefaultPublisherBuffer = 256

// RawPublisher is the subset of NATSClient a Publisher needs.
type RawPublisher interface {
	Publish(subject string, data []byte) error
}

type pendingEvent struct {
	kind  string
	event interface{}
	at    time.Time
}

// Publisher mirrors moderation actions onto NATS from its own goroutine so
// callers never wait on the network. When the buffer is full new events are
// dropped and logged.
type Publisher struct {
	out    RawPublisher
	server string

	events chan pendingEvent
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPublisher starts a publisher tagging every event with server.
func NewPublisher(out RawPublisher, server string, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultPublisherBuffer
	}
	p := &Publisher{
		out:    out,
		server: server,
		events: make(chan pendingEvent, buffer),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish queues event for delivery on the subject for kind. It never blocks.
func (p *Publisher) Publish(kind string, event interface{}) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- pendingEvent{kind: kind, event: event, at: time.Now()}:
	default:
		log.Printf("[messaging] event buffer full, dropping %s event", kind)
	}
}

// Close stops the publisher after flushing queued events.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.events:
			p.send(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.events:
					p.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(ev pendingEvent) {
	data, err := json.Marshal(ev.event)
	if err != nil {
		log.Printf("[messaging] marshal %s event: %v", ev.kind, err)
		return
	}
	envelope, err := json.Marshal(ModerationEvent{
		Kind:      ev.kind,
		Server:    p.server,
		Timestamp: ev.at.UnixMilli(),
		Data:      data,
	})
	if err != nil {
		log.Printf("[messaging] marshal %s envelope: %v", ev.kind, err)
		return
	}
	if err := p.out.Publish(ModerationSubject(ev.kind), envelope); err != nil {
		log.Printf("[messaging] publish %s event: %v", ev.kind, err)
	}
}
