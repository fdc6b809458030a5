// Package matching pairs joined connections into anonymous stranger sessions.
//
// Per connection the states are Idle -> Queued -> Paired -> Idle, or
// Paired -> Revealed when both participants click heart. Queue entries and
// sessions hold connection ids, never connections, and the byConn side
// table makes disconnect cleanup O(1).
//
// A Matchmaker is not safe for concurrent use; it is owned by the hub
// goroutine.
package matching

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tiktalk/chat-app/internal/chat"
	"github.com/tiktalk/chat-app/internal/metrics"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// State is a connection's position in the matchmaking lifecycle.
type State int

const (
	StateIdle State = iota
	StateQueued
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePaired:
		return "paired"
	default:
		return "idle"
	}
}

// Roles carried by stranger_matched.
const (
	RoleA = "A" // the connection whose request completed the pair
	RoleB = "B" // the connection that was waiting
)

// StrangerSession is a live anonymous pairing.
type StrangerSession struct {
	ID        string
	A         string // connection ids
	B         string
	StartedAt time.Time

	hearts map[string]struct{}
}

// Partner returns the other participant's connection id.
func (s *StrangerSession) Partner(connID string) string {
	if s.A == connID {
		return s.B
	}
	return s.A
}

// Hearts returns how many distinct participants have clicked heart.
func (s *StrangerSession) Hearts() int {
	return len(s.hearts)
}

// Matchmaker owns the match queue and the stranger session table.
type Matchmaker struct {
	reg   *session.Registry
	log   *chat.MessageLog
	queue *Queue

	sessions map[string]*StrangerSession
	byConn   map[string]string // connection id -> session id

	now   func() time.Time
	newID func() string
}

// NewMatchmaker creates a matchmaker resolving connections in reg. Stranger
// messages are logged into log for report lookups.
func NewMatchmaker(reg *session.Registry, log *chat.MessageLog) *Matchmaker {
	return &Matchmaker{
		reg:      reg,
		log:      log,
		queue:    NewQueue(),
		sessions: make(map[string]*StrangerSession),
		byConn:   make(map[string]string),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// State returns connID's matchmaking state.
func (m *Matchmaker) State(connID string) State {
	if _, ok := m.byConn[connID]; ok {
		return StatePaired
	}
	if m.queue.Contains(connID) {
		return StateQueued
	}
	return StateIdle
}

// Session returns the stranger session connID belongs to.
func (m *Matchmaker) Session(connID string) (*StrangerSession, bool) {
	id, ok := m.byConn[connID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// QueueLen returns the number of waiting connections.
func (m *Matchmaker) QueueLen() int {
	return m.queue.Len()
}

// SessionCount returns the number of live stranger sessions.
func (m *Matchmaker) SessionCount() int {
	return len(m.sessions)
}

// Enqueue pairs s with the oldest live waiting connection, or queues it when
// nobody is waiting. Stale queue heads whose transport has closed are skipped.
// It is a no-op when s is already queued or paired.
func (m *Matchmaker) Enqueue(s *session.Session) {
	if m.State(s.ID) != StateIdle {
		return
	}
	defer m.updateGauges()

	for {
		head, ok := m.queue.Pop()
		if !ok {
			break
		}
		partner, live := m.reg.Get(head.ConnID)
		if !live || !partner.Conn.Alive() {
			log.Printf("[matching] skipping stale queue entry %s", head.ConnID)
			continue
		}
		metrics.MatchDuration.Observe(m.now().Sub(head.JoinedAt).Seconds())
		m.pair(s, partner)
		return
	}

	m.queue.Push(s.ID, m.now())
	protocol.Send(s, protocol.TypeStrangerWaiting, protocol.Empty{})
}

func (m *Matchmaker) pair(requester, waiting *session.Session) {
	ss := &StrangerSession{
		ID:        m.newID(),
		A:         requester.ID,
		B:         waiting.ID,
		StartedAt: m.now(),
		hearts:    make(map[string]struct{}, 2),
	}
	m.sessions[ss.ID] = ss
	m.byConn[ss.A] = ss.ID
	m.byConn[ss.B] = ss.ID

	protocol.Send(requester, protocol.TypeStrangerMatched, protocol.StrangerMatchedMsg{SessionID: ss.ID, Role: RoleA})
	protocol.Send(waiting, protocol.TypeStrangerMatched, protocol.StrangerMatchedMsg{SessionID: ss.ID, Role: RoleB})
	log.Printf("[matching] paired %s with %s (session %s)", ss.A, ss.B, ss.ID)
}

// Cancel removes s from the queue and confirms. It is a no-op unless s is
// queued.
func (m *Matchmaker) Cancel(s *session.Session) bool {
	if !m.queue.Remove(s.ID) {
		return false
	}
	m.updateGauges()
	protocol.Send(s, protocol.TypeStrangerCancelled, protocol.Empty{})
	return true
}

// Relay forwards a message to the partner and echoes stranger_msg_sent with
// the same id to the sender. The message is logged for report lookups.
func (m *Matchmaker) Relay(s *session.Session, msg protocol.StrangerMsg) bool {
	partner, ok := m.partner(s.ID)
	if !ok {
		return false
	}

	now := m.now().UnixMilli()
	id := msg.MsgID
	if id == "" {
		id = "sm_" + m.newID()
	}
	text := chat.Clamp(msg.Message, chat.MaxTextChars)
	m.log.Add(chat.Entry{
		ID:        id,
		Nickname:  s.Nickname,
		Campus:    s.Campus,
		Addr:      s.Addr,
		Text:      text,
		Timestamp: now,
	})

	out := protocol.ServerStrangerMsg{
		MsgID:     id,
		Message:   text,
		Timestamp: now,
		ReplyTo:   protocol.Nullable(msg.ReplyTo),
	}
	protocol.Send(partner, protocol.TypeStrangerMsg, out)
	protocol.Send(s, protocol.TypeStrangerMsgSent, out)
	return true
}

// Edit forwards an edit to the partner.
func (m *Matchmaker) Edit(s *session.Session, msg protocol.StrangerEditMsg) bool {
	partner, ok := m.partner(s.ID)
	if !ok {
		return false
	}
	protocol.Send(partner, protocol.TypeStrangerEdit, protocol.ServerStrangerEditMsg{
		MsgID:   msg.MsgID,
		NewText: chat.Clamp(msg.NewText, chat.MaxTextChars),
	})
	return true
}

// Delete forwards a deletion to the partner.
func (m *Matchmaker) Delete(s *session.Session, msg protocol.StrangerDeleteMsg) bool {
	partner, ok := m.partner(s.ID)
	if !ok {
		return false
	}
	protocol.Send(partner, protocol.TypeStrangerDelete, protocol.ServerStrangerDeleteMsg{MsgID: msg.MsgID})
	return true
}

// React forwards a reaction to the partner and echoes it to the sender so
// both sides render it.
func (m *Matchmaker) React(s *session.Session, msg protocol.StrangerReactMsg) bool {
	partner, ok := m.partner(s.ID)
	if !ok {
		return false
	}
	out := protocol.ServerStrangerReactMsg{
		MsgID: msg.MsgID,
		Emoji: chat.Clamp(msg.Emoji, chat.MaxEmojiChars),
	}
	protocol.Send(partner, protocol.TypeStrangerReact, out)
	protocol.Send(s, protocol.TypeStrangerReact, out)
	return true
}

// Typing forwards a typing indicator to the partner.
func (m *Matchmaker) Typing(s *session.Session, active bool) bool {
	partner, ok := m.partner(s.ID)
	if !ok {
		return false
	}
	msgType := protocol.TypeStopTypingStranger
	if active {
		msgType = protocol.TypeTypingStranger
	}
	protocol.Send(partner, msgType, protocol.Empty{})
	return true
}

// Heart records s's consent to reveal identities and tells the partner. A
// repeated click has no effect. Once both participants have clicked, each
// receives stranger_move_to_dm naming the other and the session is destroyed.
// It reports whether the reveal happened.
func (m *Matchmaker) Heart(s *session.Session) bool {
	ss, ok := m.Session(s.ID)
	if !ok {
		return false
	}
	if _, clicked := ss.hearts[s.ID]; clicked {
		return false
	}
	ss.hearts[s.ID] = struct{}{}

	partner, ok := m.reg.Get(ss.Partner(s.ID))
	if ok {
		protocol.Send(partner, protocol.TypeStrangerHeartReceived, protocol.Empty{})
	}
	if len(ss.hearts) < 2 || !ok {
		return false
	}

	m.destroy(ss)
	protocol.Send(s, protocol.TypeStrangerMoveToDM, protocol.StrangerMoveToDMMsg{PartnerNick: partner.Nickname})
	protocol.Send(partner, protocol.TypeStrangerMoveToDM, protocol.StrangerMoveToDMMsg{PartnerNick: s.Nickname})
	log.Printf("[matching] session %s revealed", ss.ID)
	return true
}

// End leaves the current session, telling only the partner, or leaves the
// queue with a cancellation notice. It is a no-op when s is idle.
func (m *Matchmaker) End(s *session.Session) {
	if ss, ok := m.Session(s.ID); ok {
		m.endSession(ss, s.ID, protocol.ReasonPartnerEnded)
		return
	}
	m.Cancel(s)
}

// Disconnect removes every reference to connID. A queued connection is
// dropped silently; a paired one ends its session and the partner is told
// partner_disconnected. It must run for every closed connection.
func (m *Matchmaker) Disconnect(connID string) {
	if m.queue.Remove(connID) {
		m.updateGauges()
	}
	if ss, ok := m.Session(connID); ok {
		m.endSession(ss, connID, protocol.ReasonPartnerDisconnected)
	}
}

// Lookup returns a logged stranger or direct message by id.
func (m *Matchmaker) Lookup(id string) (chat.Entry, bool) {
	return m.log.Get(id)
}

func (m *Matchmaker) endSession(ss *StrangerSession, leaver, reason string) {
	m.destroy(ss)
	if partner, ok := m.reg.Get(ss.Partner(leaver)); ok {
		protocol.Send(partner, protocol.TypeStrangerEnded, protocol.StrangerEndedMsg{Reason: reason})
	}
	log.Printf("[matching] session %s ended by %s: %s", ss.ID, leaver, reason)
}

func (m *Matchmaker) partner(connID string) (*session.Session, bool) {
	ss, ok := m.Session(connID)
	if !ok {
		return nil, false
	}
	return m.reg.Get(ss.Partner(connID))
}

func (m *Matchmaker) destroy(ss *StrangerSession) {
	delete(m.sessions, ss.ID)
	delete(m.byConn, ss.A)
	delete(m.byConn, ss.B)
	m.updateGauges()
}

func (m *Matchmaker) updateGauges() {
	metrics.MatchQueueSize.Set(float64(m.queue.Len()))
	metrics.ActiveChats.Set(float64(len(m.sessions)))
}
