// Package session is the registry of live connections and the metadata each
// one declares on join. It is the single source of truth for who is online.
//
// A Registry is not safe for concurrent use; it is owned by the hub goroutine.
package session

import (
	"errors"
	"time"

	"github.com/tiktalk/chat-app/internal/protocol"
)

// ErrNotJoined is returned when an operation needs a connection that has
// completed join.
var ErrNotJoined = errors.New("session: connection has not joined")

// Conn is the transport side of a connection as seen by the chat core.
type Conn interface {
	// ID is stable for the lifetime of the connection.
	ID() string
	// RemoteAddr is the origin address used for bans and reports.
	RemoteAddr() string
	// Send queues a frame. It never blocks.
	Send(data []byte) error
	// Close flushes queued frames and then closes the transport.
	Close() error
	// Alive reports whether the transport is still open.
	Alive() bool
}

// Session is the metadata attached to a live connection.
type Session struct {
	ID       string
	Nickname string // empty until join
	Campus   string
	Addr     string
	IsAdmin  bool
	Conn     Conn

	ConnectedAt time.Time
	JoinedAt    time.Time
}

// Joined reports whether the connection has completed join.
func (s *Session) Joined() bool {
	return s.Nickname != ""
}

// Send queues data on the underlying connection.
func (s *Session) Send(data []byte) error {
	return s.Conn.Send(data)
}

// Registry holds every attached connection in accept order.
type Registry struct {
	order []*Session
	byID  map[string]*Session
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Session),
		now:  time.Now,
	}
}

// Attach records a freshly accepted connection. Attaching an id twice returns
// the existing session.
func (r *Registry) Attach(conn Conn) *Session {
	if s, ok := r.byID[conn.ID()]; ok {
		return s
	}
	s := &Session{
		ID:          conn.ID(),
		Addr:        conn.RemoteAddr(),
		Conn:        conn,
		ConnectedAt: r.now(),
	}
	r.order = append(r.order, s)
	r.byID[s.ID] = s
	return s
}

// Register stores nickname and campus for an attached connection and returns
// its id. Registering again renames the connection in place.
func (r *Registry) Register(conn Conn, nickname, campus string) string {
	s := r.Attach(conn)
	if !s.Joined() {
		s.JoinedAt = r.now()
	}
	s.Nickname = nickname
	s.Campus = campus
	return s.ID
}

// Unregister removes a connection. It returns the removed session, or nil if
// the id was not present, so it is safe to call more than once.
func (r *Registry) Unregister(id string) *Session {
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Joined returns the session for id, or ErrNotJoined if it is unknown or has
// not sent join yet.
func (r *Registry) Joined(id string) (*Session, error) {
	s, ok := r.byID[id]
	if !ok || !s.Joined() {
		return nil, ErrNotJoined
	}
	return s, nil
}

// FindByNickname returns the earliest attached joined connection using
// nickname. Nicknames are not unique.
func (r *Registry) FindByNickname(nickname string) (*Session, bool) {
	if nickname == "" {
		return nil, false
	}
	for _, s := range r.order {
		if s.Nickname == nickname {
			return s, true
		}
	}
	return nil, false
}

// ByAddr returns every connection whose origin address is addr.
func (r *Registry) ByAddr(addr string) []*Session {
	var out []*Session
	for _, s := range r.order {
		if s.Addr == addr {
			out = append(out, s)
		}
	}
	return out
}

// ListOnline returns the roster of joined connections.
func (r *Registry) ListOnline() []protocol.OnlineUser {
	users := make([]protocol.OnlineUser, 0, len(r.order))
	for _, s := range r.order {
		if !s.Joined() {
			continue
		}
		users = append(users, protocol.OnlineUser{
			Nickname: s.Nickname,
			Campus:   s.Campus,
			ID:       s.ID,
		})
	}
	return users
}

// All returns a snapshot of every attached connection, joined or not.
func (r *Registry) All() []*Session {
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of attached connections.
func (r *Registry) Len() int {
	return len(r.order)
}
