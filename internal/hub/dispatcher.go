// Package hub routes inbound client messages to the chat components and owns
// all of their state. Every method on Dispatcher must be called from a single
// goroutine; Hub provides that goroutine.
package hub

import (
	"errors"
	"log"
	"time"

	"github.com/tiktalk/chat-app/internal/ban"
	"github.com/tiktalk/chat-app/internal/broadcast"
	"github.com/tiktalk/chat-app/internal/chat"
	"github.com/tiktalk/chat-app/internal/dm"
	"github.com/tiktalk/chat-app/internal/matching"
	"github.com/tiktalk/chat-app/internal/metrics"
	"github.com/tiktalk/chat-app/internal/moderation"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// Config configures a Dispatcher.
type Config struct {
	// AdminSecret authenticates admin_auth. Empty disables admin access.
	AdminSecret string
	// Events, if set, receives every moderation action.
	Events moderation.EventSink
	// Bans overrides the ban store, mainly so tests can control its clock.
	Bans *ban.Store
}

// Dispatcher is the routing table from message kind to handler.
type Dispatcher struct {
	reg   *session.Registry
	bans  *ban.Store
	bc    *broadcast.Broadcaster
	room  *chat.Room
	dms   *dm.Router
	match *matching.Matchmaker
	mod   *moderation.Store

	now func() time.Time
}

// NewDispatcher wires every component around a fresh registry.
func NewDispatcher(cfg Config) *Dispatcher {
	reg := session.NewRegistry()
	bans := cfg.Bans
	if bans == nil {
		bans = ban.NewStore()
	}
	bc := broadcast.New(reg)
	// Direct and stranger messages share one log for report provenance.
	directLog := chat.NewMessageLog(dm.LogSize)

	d := &Dispatcher{
		reg:   reg,
		bans:  bans,
		bc:    bc,
		room:  chat.NewRoom(bc),
		dms:   dm.NewRouter(reg, directLog),
		match: matching.NewMatchmaker(reg, directLog),
		now:   time.Now,
	}
	d.mod = moderation.NewStore(reg, bans, bc, moderation.Config{
		AdminSecret: cfg.AdminSecret,
		RoomLog:     d.room,
		DirectLog:   d.dms,
		Kick:        d.kick,
		Events:      cfg.Events,
	})
	return d
}

// Registry exposes the connection registry.
func (d *Dispatcher) Registry() *session.Registry { return d.reg }

// Bans exposes the ban store.
func (d *Dispatcher) Bans() *ban.Store { return d.bans }

// Matchmaker exposes the stranger matchmaker.
func (d *Dispatcher) Matchmaker() *matching.Matchmaker { return d.match }

// Moderation exposes the moderation store.
func (d *Dispatcher) Moderation() *moderation.Store { return d.mod }

// HandleConnect admits conn unless its address is banned, in which case conn
// is notified and closed. It reports whether conn was admitted.
func (d *Dispatcher) HandleConnect(conn session.Conn) bool {
	if d.bans.IsBanned(conn.RemoteAddr()) {
		log.Printf("[hub] rejected banned address %s (conn=%s)", conn.RemoteAddr(), conn.ID())
		metrics.ConnectionsRejected.WithLabelValues("banned").Inc()
		protocol.Send(conn, protocol.TypeBanned, protocol.BannedMsg{Message: moderation.BannedOnConnectMessage})
		conn.Close()
		return false
	}
	d.reg.Attach(conn)
	return true
}

// HandleMessage decodes one inbound frame from connection id and runs its
// handler to completion. Undecodable frames, unknown kinds and messages from
// connections that have not joined are dropped without a reply.
func (d *Dispatcher) HandleMessage(id string, data []byte) {
	s, ok := d.reg.Get(id)
	if !ok {
		return
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return
	}

	start := d.now()
	defer func() {
		metrics.MessageLatency.Observe(time.Since(start).Seconds())
	}()
	metrics.MessagesTotal.WithLabelValues(msg.MessageType()).Inc()

	if join, ok := msg.(protocol.JoinMsg); ok {
		d.join(s, join)
		return
	}

	if d.bans.IsBanned(s.Addr) {
		d.kick(s, moderation.BannedMessage)
		return
	}
	member, err := d.reg.Joined(id)
	if errors.Is(err, session.ErrNotJoined) {
		return
	}

	d.dispatch(member, msg)
}

func (d *Dispatcher) dispatch(s *session.Session, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.ChatMsg:
		d.room.Post(s, m)
	case protocol.ReactMsg:
		d.room.React(s, m)
	case protocol.ReportMsg:
		d.mod.Report(s, m)
	case protocol.TypingGlobalMsg:
		d.room.Typing(s, m.Active)

	case protocol.DMMsg:
		d.dms.Send(s, m)
	case protocol.DMEditMsg:
		d.dms.Edit(s, m)
	case protocol.DMDeleteMsg:
		d.dms.Delete(s, m)
	case protocol.DMReactMsg:
		d.dms.React(s, m)
	case protocol.DMReportMsg:
		d.mod.ReportDM(s, m)
	case protocol.TypingDMMsg:
		d.dms.Typing(s, m)

	case protocol.StrangerFindMsg:
		d.match.Enqueue(s)
	case protocol.StrangerCancelFindMsg:
		d.match.Cancel(s)
	case protocol.StrangerMsg:
		d.match.Relay(s, m)
	case protocol.StrangerEditMsg:
		d.match.Edit(s, m)
	case protocol.StrangerDeleteMsg:
		d.match.Delete(s, m)
	case protocol.StrangerReactMsg:
		d.match.React(s, m)
	case protocol.StrangerReportMsg:
		d.mod.ReportStranger(s, m)
	case protocol.StrangerEndMsg:
		d.match.End(s)
	case protocol.StrangerHeartMsg:
		d.match.Heart(s)
	case protocol.TypingStrangerMsg:
		d.match.Typing(s, m.Active)

	case protocol.SuggestionMsg:
		d.mod.Suggest(s, m)

	case protocol.AdminAuthMsg:
		d.mod.Authenticate(s, m.Secret)
	case protocol.AdminBanMsg:
		d.mod.Ban(s, m)
	case protocol.AdminUnbanMsg:
		d.mod.Unban(s, m)
	case protocol.AdminAnnounceMsg:
		d.mod.Announce(s, m)
	case protocol.AdminGetDataMsg:
		d.mod.SendData(s)

	default:
		log.Printf("[hub] no handler for %s", msg.MessageType())
	}
}

func (d *Dispatcher) join(s *session.Session, msg protocol.JoinMsg) {
	if d.bans.IsBanned(s.Addr) {
		d.kick(s, moderation.BannedOnJoinMessage)
		return
	}

	d.reg.Register(s.Conn, chat.Nickname(msg.Nickname), chat.Campus(msg.Campus))
	protocol.Send(s, protocol.TypeJoined, protocol.JoinedMsg{
		ID:            s.ID,
		Announcements: d.mod.Announcements(),
	})
	d.bc.Broadcast(protocol.TypeSystem, protocol.SystemMsg{
		Message:   s.Nickname + " joined the chat.",
		Timestamp: d.now().UnixMilli(),
	}, "")
	d.bc.Roster()
	d.updateGauges()
}

// HandleDisconnect runs cleanup for a closed connection. It is idempotent.
func (d *Dispatcher) HandleDisconnect(id string) {
	s := d.reg.Unregister(id)
	if s == nil {
		return
	}

	if s.Joined() {
		d.bc.Broadcast(protocol.TypeSystem, protocol.SystemMsg{
			Message:   s.Nickname + " left the chat.",
			Timestamp: d.now().UnixMilli(),
		}, "")
	}
	d.match.Disconnect(id)
	d.bc.Roster()
	d.updateGauges()
}

// kick notifies s that it is banned, closes it and runs disconnect cleanup
// right away so later handlers never see it.
func (d *Dispatcher) kick(s *session.Session, message string) {
	protocol.Send(s, protocol.TypeBanned, protocol.BannedMsg{Message: message})
	s.Conn.Close()
	d.HandleDisconnect(s.ID)
}

func (d *Dispatcher) updateGauges() {
	metrics.OnlineUsers.Set(float64(len(d.reg.ListOnline())))
}
