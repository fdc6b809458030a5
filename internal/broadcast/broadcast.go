// Package broadcast fans a single encoded event out to many connections.
package broadcast

import (
	"log"

	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// Broadcaster delivers events to connections held by a Registry. Delivery is
// best effort: a failed send is logged and skipped, never retried.
type Broadcaster struct {
	reg *session.Registry
}

// New creates a Broadcaster over reg.
func New(reg *session.Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

// Broadcast encodes the event once and sends it to every attached connection
// except the one whose id is exclude (pass "" to exclude nobody). It returns
// the number of successful deliveries.
func (b *Broadcaster) Broadcast(msgType string, payload interface{}, exclude string) int {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[broadcast] encode %s: %v", msgType, err)
		return 0
	}
	return b.deliver(data, func(s *session.Session) bool {
		return s.ID != exclude
	})
}

// ToAdmins sends the event only to connections with the admin flag set.
func (b *Broadcaster) ToAdmins(msgType string, payload interface{}) int {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[broadcast] encode %s: %v", msgType, err)
		return 0
	}
	return b.deliver(data, func(s *session.Session) bool {
		return s.IsAdmin
	})
}

// Roster sends the current user_list to everyone.
func (b *Broadcaster) Roster() int {
	return b.Broadcast(protocol.TypeUserList, protocol.UserListMsg{Users: b.reg.ListOnline()}, "")
}

func (b *Broadcaster) deliver(data []byte, include func(*session.Session) bool) int {
	sent := 0
	for _, s := range b.reg.All() {
		if !include(s) || !s.Conn.Alive() {
			continue
		}
		if err := s.Send(data); err != nil {
			log.Printf("[broadcast] send to %s failed: %v", s.ID, err)
			continue
		}
		sent++
	}
	return sent
}
