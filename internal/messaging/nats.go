// Package messaging provides a NATS client wrapper for the moderation event
// feed. The chat server publishes every moderation action; the auditor
// subscribes and archives them.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for the moderation feed.
const (
	SubjectModeration    = "tiktalk.moderation"   // + .<kind>
	SubjectModerationAll = "tiktalk.moderation.>" // wildcard for subscribers
)

// AuditorQueue is the queue group auditors join so that each event is
// archived once however many auditors run.
const AuditorQueue = "tiktalk-auditors"

// ErrNotSubscribed is returned by UnsubscribeModeration when there is no
// active moderation subscription.
var ErrNotSubscribed = errors.New("messaging: not subscribed")

// ModerationSubject returns the subject events of kind are published on.
func ModerationSubject(kind string) string {
	return SubjectModeration + "." + kind
}

// ModerationEvent is the envelope published for every moderation action.
type ModerationEvent struct {
	Kind      string          `json:"kind"`
	Server    string          `json:"server"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DecodeModerationEvent parses an envelope received on subject. The kind is
// taken from the subject when the envelope omits it.
func DecodeModerationEvent(subject string, data []byte) (ModerationEvent, error) {
	var ev ModerationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ModerationEvent{}, fmt.Errorf("messaging: decode event on %s: %w", subject, err)
	}
	if ev.Kind == "" && len(subject) > len(SubjectModeration)+1 {
		ev.Kind = subject[len(SubjectModeration)+1:]
	}
	return ev, nil
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	Timeout       time.Duration // initial dial timeout
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "tiktalk",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		Timeout:       5 * time.Second,
	}
}

// NATSClient is a NATS connection carrying at most one moderation
// subscription.
type NATSClient struct {
	conn *nats.Conn

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSClient connects with config. It returns an error if the initial
// connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.Timeout),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] async error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", config.URL, err)
	}

	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), config.Name)
	return &NATSClient{conn: nc}, nil
}

// Publish sends data to subject. It satisfies RawPublisher.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// SubscribeModeration joins the auditor queue group on every moderation
// subject. Envelopes that do not decode are logged and skipped.
func (c *NATSClient) SubscribeModeration(handler func(ev ModerationEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return fmt.Errorf("messaging: already subscribed to %s", c.sub.Subject)
	}

	sub, err := c.conn.QueueSubscribe(SubjectModerationAll, AuditorQueue, func(msg *nats.Msg) {
		ev, err := DecodeModerationEvent(msg.Subject, msg.Data)
		if err != nil {
			log.Printf("[nats] %v", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectModerationAll, err)
	}
	c.sub = sub
	return nil
}

// UnsubscribeModeration drains the moderation subscription so events already
// delivered finish processing.
func (c *NATSClient) UnsubscribeModeration() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return ErrNotSubscribed
	}
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain %s: %w", sub.Subject, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (c *NATSClient) Close() {
	if err := c.conn.FlushTimeout(2 * time.Second); err != nil {
		log.Printf("[nats] flush: %v", err)
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
