// Package client provides a scripted WebSocket client for the TikTalk chat
// server. It speaks the same flat JSON protocol as the browser client, answers
// the application keep-alive automatically, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoin               = "join"
	TypeChat               = "chat"
	TypeReact              = "react"
	TypeReport             = "report"
	TypeDM                 = "dm"
	TypeStrangerFind       = "stranger_find"
	TypeStrangerCancelFind = "stranger_cancel_find"
	TypeStrangerMsg        = "stranger_msg"
	TypeStrangerEnd        = "stranger_end"
	TypeStrangerHeart      = "stranger_heart"
	TypeAdminAuth          = "admin_auth"
	TypeAdminBan           = "admin_ban"
	TypeAdminUnban         = "admin_unban"
	TypeAdminAnnounce      = "admin_announce"
)

// Server -> Client message types.
const (
	TypeJoined                = "joined"
	TypeSystem                = "system"
	TypeUserList              = "user_list"
	TypeReactUpdate           = "react_update"
	TypeReportAck             = "report_ack"
	TypeBanned                = "banned"
	TypeDMSent                = "dm_sent"
	TypeStrangerWaiting       = "stranger_waiting"
	TypeStrangerCancelled     = "stranger_cancelled"
	TypeStrangerMatched       = "stranger_matched"
	TypeStrangerMsgSent       = "stranger_msg_sent"
	TypeStrangerEnded         = "stranger_ended"
	TypeStrangerHeartReceived = "stranger_heart_received"
	TypeStrangerMoveToDM      = "stranger_move_to_dm"
	TypeAnnouncement          = "announcement"
	TypeNewReport             = "new_report"
	TypeAdminOK               = "admin_ok"
	TypeAdminFail             = "admin_fail"
	TypeBanOK                 = "ban_ok"
	TypeUnbanOK               = "unban_ok"
	TypeError                 = "error"
)

// Application keep-alive frames. They are literal strings, not JSON.
const (
	KeepAlivePing = "__ping__"
	KeepAlivePong = "__pong__"
)

// ErrClosed is returned when the connection ends while a caller waits for a
// frame.
var ErrClosed = errors.New("client: connection closed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	JoinLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	PingsAnswered    int
	Errors           int
}

// Client is a single simulated user. Incoming frames are dispatched by type
// to handlers registered with On and to one-shot waiters created by Expect.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	id       string
	nickname string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	waiters  map[string][]chan json.RawMessage

	done      chan struct{} // closed by Close
	readDone  chan struct{} // closed when the read loop exits
	closeOnce sync.Once
}

// Dial opens a WebSocket connection to url without joining.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		waiters:  make(map[string][]chan json.RawMessage),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Connect dials url and joins the room as nickname on campus. The returned
// client has its connection id set.
func Connect(ctx context.Context, url, nickname, campus string) (*Client, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := c.Join(ctx, nickname, campus); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Join sends join and waits for the joined reply, returning the connection id
// the server assigned.
func (c *Client) Join(ctx context.Context, nickname, campus string) (string, error) {
	joined := c.Expect(TypeJoined)
	start := time.Now()
	if err := c.Send(TypeJoin, map[string]interface{}{
		"nickname": nickname,
		"campus":   campus,
	}); err != nil {
		return "", err
	}

	raw, err := c.Await(ctx, joined)
	if err != nil {
		return "", fmt.Errorf("join: %w", err)
	}
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("join: decode joined: %w", err)
	}

	c.mu.Lock()
	c.id = msg.ID
	c.nickname = nickname
	c.metrics.JoinLatency = time.Since(start)
	c.mu.Unlock()
	return msg.ID, nil
}

// Send writes a message of msgType with the given fields. It is
// goroutine-safe.
func (c *Client) Send(msgType string, fields map[string]interface{}) error {
	msg := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := c.writeText(data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendRaw writes data as a single text frame, unmodified.
func (c *Client) SendRaw(data []byte) error {
	return c.writeText(data)
}

func (c *Client) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read loop goroutine and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Expect returns a channel that receives the next frame of msgType. Register
// the expectation before sending the message that provokes it.
func (c *Client) Expect(msgType string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.mu.Unlock()
	return ch
}

// Await blocks until ch delivers a frame, the connection ends, or ctx is
// done.
func (c *Client) Await(ctx context.Context, ch <-chan json.RawMessage) (json.RawMessage, error) {
	select {
	case raw := <-ch:
		return raw, nil
	case <-c.readDone:
		// A frame may have been delivered just before the loop exited.
		select {
		case raw := <-ch:
			return raw, nil
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the read loop has exited, either because Close was
// called or because the server dropped the connection.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// ID returns the connection id from joined, or "" before Join completes.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Nickname returns the nickname sent with join.
func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.readDone)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close; not an error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		if string(data) == KeepAlivePing {
			if err := c.writeText([]byte(KeepAlivePong)); err == nil {
				c.mu.Lock()
				c.metrics.PingsAnswered++
				c.mu.Unlock()
			}
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		raw := json.RawMessage(data)

		c.mu.Lock()
		c.metrics.MessagesReceived++
		var waiter chan json.RawMessage
		if queue := c.waiters[envelope.Type]; len(queue) > 0 {
			waiter = queue[0]
			c.waiters[envelope.Type] = queue[1:]
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if waiter != nil {
			waiter <- raw
		}
		if handler != nil {
			handler(raw)
		}
	}
}
