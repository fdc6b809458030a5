// Package moderation holds the admin-facing state of the server: reports,
// announcements and suggestions, plus admin authentication and the ban and
// unban actions that act on live connections.
//
// A Store is not safe for concurrent use; it is owned by the hub goroutine.
// Nothing here is persisted; an optional EventSink mirrors every action to an
// external feed.
package moderation

import (
	"crypto/subtle"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tiktalk/chat-app/internal/ban"
	"github.com/tiktalk/chat-app/internal/broadcast"
	"github.com/tiktalk/chat-app/internal/chat"
	"github.com/tiktalk/chat-app/internal/metrics"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// Notices sent with a banned frame.
const (
	BannedOnConnectMessage = "You are banned from SorSU TikTalk."
	BannedMessage          = "You have been banned from SorSU TikTalk."
	BannedByAdminMessage   = "You have been banned by an administrator."
	BannedOnJoinMessage    = "You are banned."
)

// Report field defaults.
const (
	NoReason             = "(no reason provided)"
	UnknownAddr          = "unknown"
	SourceGlobal         = "Global Chat"
	SourceDirect         = "Direct Message"
	SourceStranger       = "Anonymous Stranger Chat"
	SourceSuggestion     = "Suggestion Box"
	StrangerTargetNick   = "Anonymous Stranger"
	StrangerTargetCampus = "Stranger Chat"
	DirectMessageCampus  = "Direct Message"
)

// Event kinds passed to an EventSink.
const (
	EventReport       = "report"
	EventBan          = "ban"
	EventUnban        = "unban"
	EventAnnouncement = "announcement"
	EventSuggestion   = "suggestion"
)

// EventSink receives a copy of every moderation action. Publish must not
// block.
type EventSink interface {
	Publish(kind string, event interface{})
}

// Lookup resolves a logged message id to its author.
type Lookup interface {
	Lookup(id string) (chat.Entry, bool)
}

// KickFunc notifies s with a banned frame, closes it and runs disconnect
// cleanup.
type KickFunc func(s *session.Session, message string)

// BanEvent is published when an address is banned.
type BanEvent struct {
	IP        string `json:"ip"`
	Nickname  string `json:"nickname"`
	Permanent bool   `json:"permanent"`
	Expiry    int64  `json:"expiry,omitempty"`
	By        string `json:"by"`
	Kicked    int    `json:"kicked"`
	Timestamp int64  `json:"timestamp"`
}

// UnbanEvent is published when a ban is lifted.
type UnbanEvent struct {
	IP        string `json:"ip"`
	By        string `json:"by"`
	Existed   bool   `json:"existed"`
	Timestamp int64  `json:"timestamp"`
}

// Config wires a Store to the rest of the server.
type Config struct {
	// AdminSecret authenticates admins. Empty disables admin access.
	AdminSecret string
	// RoomLog resolves public message ids for report provenance.
	RoomLog Lookup
	// DirectLog resolves direct and stranger message ids.
	DirectLog Lookup
	// Kick forcibly disconnects a banned connection.
	Kick KickFunc
	// Events, if set, receives every moderation action.
	Events EventSink
}

// Store is the moderation state.
type Store struct {
	reg  *session.Registry
	bans *ban.Store
	bc   *broadcast.Broadcaster
	cfg  Config

	reports       []protocol.Report
	announcements []protocol.Announcement
	suggestions   []protocol.Suggestion

	reportSeq     uint64
	announceSeq   uint64
	suggestionSeq uint64

	now func() time.Time
}

// NewStore creates a moderation store.
func NewStore(reg *session.Registry, bans *ban.Store, bc *broadcast.Broadcaster, cfg Config) *Store {
	if cfg.Kick == nil {
		cfg.Kick = func(s *session.Session, message string) {
			protocol.Send(s, protocol.TypeBanned, protocol.BannedMsg{Message: message})
			s.Conn.Close()
		}
	}
	return &Store{
		reg:  reg,
		bans: bans,
		bc:   bc,
		cfg:  cfg,
		now:  time.Now,
	}
}

// ---------------------------------------------------------------------------
// Admin authentication
// ---------------------------------------------------------------------------

// Authenticate compares secret against the configured admin secret in
// constant time. On success it sets the admin flag and replies admin_ok with
// the current moderation snapshot; otherwise it replies admin_fail and
// changes nothing.
func (m *Store) Authenticate(s *session.Session, secret string) bool {
	want := m.cfg.AdminSecret
	ok := want != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(want)) == 1
	if !ok {
		log.Printf("[moderation] admin auth failed from %s (%s)", s.ID, s.Addr)
		protocol.Send(s, protocol.TypeAdminFail, protocol.Empty{})
		return false
	}

	s.IsAdmin = true
	log.Printf("[moderation] admin auth ok for %s (%s)", s.ID, s.Addr)
	protocol.Send(s, protocol.TypeAdminOK, m.Snapshot())
	return true
}

// Snapshot returns the reports, ban table and suggestions.
func (m *Store) Snapshot() protocol.AdminDataMsg {
	return protocol.AdminDataMsg{
		Reports:     append(make([]protocol.Report, 0, len(m.reports)), m.reports...),
		BannedIPs:   m.bans.Table(),
		Suggestions: append(make([]protocol.Suggestion, 0, len(m.suggestions)), m.suggestions...),
	}
}

// SendData replies admin_data to an admin.
func (m *Store) SendData(admin *session.Session) bool {
	if !admin.IsAdmin {
		return false
	}
	protocol.Send(admin, protocol.TypeAdminData, m.Snapshot())
	return true
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// Report files a report about a public room message.
func (m *Store) Report(s *session.Session, msg protocol.ReportMsg) protocol.Report {
	return m.file(s, protocol.Report{
		TargetNick:   chat.Clamp(msg.TargetNick, chat.MaxNicknameChars),
		TargetCampus: chat.Clamp(msg.TargetCampus, chat.MaxCampusChars),
		Message:      chat.Clamp(msg.Message, chat.MaxTextChars),
		Reason:       chat.ClampOr(msg.Reason, NoReason, chat.MaxReasonChars),
		Source:       chat.ClampOr(msg.Source, SourceGlobal, chat.MaxSourceChars),
		IP:           resolve(m.cfg.RoomLog, msg.MsgID),
	})
}

// ReportDM files a report about a direct message.
func (m *Store) ReportDM(s *session.Session, msg protocol.DMReportMsg) protocol.Report {
	return m.file(s, protocol.Report{
		IsDM:         true,
		TargetNick:   chat.Clamp(msg.TargetNick, chat.MaxNicknameChars),
		TargetCampus: DirectMessageCampus,
		Message:      chat.Clamp(msg.Message, chat.MaxTextChars),
		Reason:       chat.ClampOr(msg.Reason, NoReason, chat.MaxReasonChars),
		Source:       chat.ClampOr(msg.Source, SourceDirect, chat.MaxSourceChars),
		IP:           resolve(m.cfg.DirectLog, msg.DMMsgID),
	})
}

// ReportStranger files a report about the anonymous partner. The reporter
// never learns who that is; the address comes from the message log.
func (m *Store) ReportStranger(s *session.Session, msg protocol.StrangerReportMsg) protocol.Report {
	return m.file(s, protocol.Report{
		IsStranger:   true,
		TargetNick:   StrangerTargetNick,
		TargetCampus: StrangerTargetCampus,
		Message:      chat.Clamp(msg.Message, chat.MaxTextChars),
		Reason:       chat.ClampOr(msg.Reason, NoReason, chat.MaxReasonChars),
		Source:       chat.ClampOr(msg.Source, SourceStranger, chat.MaxSourceChars),
		IP:           resolve(m.cfg.DirectLog, msg.MsgID),
	})
}

// Reports returns a copy of every filed report.
func (m *Store) Reports() []protocol.Report {
	return append([]protocol.Report(nil), m.reports...)
}

func (m *Store) file(s *session.Session, r protocol.Report) protocol.Report {
	m.reportSeq++
	r.ID = "r_" + strconv.FormatUint(m.reportSeq, 10)
	r.ReporterNick = s.Nickname
	r.ReporterIP = s.Addr
	r.Timestamp = m.now().UnixMilli()
	m.reports = append(m.reports, r)

	protocol.Send(s, protocol.TypeReportAck, protocol.Empty{})
	m.bc.ToAdmins(protocol.TypeNewReport, protocol.NewReportMsg{Report: r})
	m.emit(EventReport, r)
	return r
}

func resolve(l Lookup, id string) string {
	if l == nil || id == "" {
		return UnknownAddr
	}
	if e, ok := l.Lookup(id); ok && e.Addr != "" {
		return e.Addr
	}
	return UnknownAddr
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// Ban bans an address and kicks every live connection from it. It requires
// the admin flag; an empty address is ignored. A missing or non-positive
// duration falls back to ban.DefaultDuration.
func (m *Store) Ban(admin *session.Session, msg protocol.AdminBanMsg) bool {
	if !admin.IsAdmin || msg.IP == "" {
		return false
	}

	rec := m.bans.Ban(msg.IP, msg.Nickname, msg.Permanent, msg.Duration.Duration())
	targets := m.reg.ByAddr(msg.IP)
	for _, t := range targets {
		m.cfg.Kick(t, BannedByAdminMessage)
	}
	log.Printf("[moderation] %s banned %s (permanent=%v, kicked=%d)", admin.Nickname, msg.IP, rec.Permanent, len(targets))

	protocol.Send(admin, protocol.TypeBanOK, protocol.BanOKMsg{IP: msg.IP})

	ev := BanEvent{
		IP:        rec.Addr,
		Nickname:  rec.Nickname,
		Permanent: rec.Permanent,
		By:        admin.Nickname,
		Kicked:    len(targets),
		Timestamp: m.now().UnixMilli(),
	}
	if !rec.Permanent {
		ev.Expiry = rec.Expiry.UnixMilli()
	}
	m.emit(EventBan, ev)
	return true
}

// Unban lifts a ban. It requires the admin flag.
func (m *Store) Unban(admin *session.Session, msg protocol.AdminUnbanMsg) bool {
	if !admin.IsAdmin {
		return false
	}
	existed := m.bans.Unban(msg.IP)
	log.Printf("[moderation] %s unbanned %s (existed=%v)", admin.Nickname, msg.IP, existed)

	protocol.Send(admin, protocol.TypeUnbanOK, protocol.UnbanOKMsg{IP: msg.IP, BannedIPs: m.bans.Table()})
	m.emit(EventUnban, UnbanEvent{
		IP:        msg.IP,
		By:        admin.Nickname,
		Existed:   existed,
		Timestamp: m.now().UnixMilli(),
	})
	return true
}

// ---------------------------------------------------------------------------
// Announcements and suggestions
// ---------------------------------------------------------------------------

// Announce appends an announcement and broadcasts it to everyone. It
// requires the admin flag; blank text is ignored.
func (m *Store) Announce(admin *session.Session, msg protocol.AdminAnnounceMsg) (protocol.Announcement, bool) {
	if !admin.IsAdmin {
		return protocol.Announcement{}, false
	}
	text := strings.TrimSpace(chat.Clamp(msg.Text, chat.MaxAnnouncementChars))
	if text == "" {
		return protocol.Announcement{}, false
	}

	m.announceSeq++
	a := protocol.Announcement{
		ID:        "a_" + strconv.FormatUint(m.announceSeq, 10),
		Text:      text,
		Timestamp: m.now().UnixMilli(),
	}
	m.announcements = append(m.announcements, a)
	m.bc.Broadcast(protocol.TypeAnnouncement, protocol.AnnouncementMsg{Announcement: a}, "")
	m.emit(EventAnnouncement, a)
	return a, true
}

// Announcements returns every announcement, oldest first. The result is
// never nil.
func (m *Store) Announcements() []protocol.Announcement {
	return append(make([]protocol.Announcement, 0, len(m.announcements)), m.announcements...)
}

// Suggest stores user feedback, acknowledges it and notifies admins. Blank
// text is ignored.
func (m *Store) Suggest(s *session.Session, msg protocol.SuggestionMsg) (protocol.Suggestion, bool) {
	text := strings.TrimSpace(chat.Clamp(msg.Text, chat.MaxSuggestionChars))
	if text == "" {
		return protocol.Suggestion{}, false
	}

	m.suggestionSeq++
	sg := protocol.Suggestion{
		ID:        "sg_" + strconv.FormatUint(m.suggestionSeq, 10),
		Text:      text,
		Source:    chat.ClampOr(msg.Source, SourceSuggestion, chat.MaxSourceChars),
		Campus:    chat.ClampOr(msg.Campus, s.Campus, chat.MaxCampusChars),
		Nickname:  s.Nickname,
		Timestamp: m.now().UnixMilli(),
	}
	m.suggestions = append(m.suggestions, sg)

	protocol.Send(s, protocol.TypeSuggestionAck, protocol.Empty{})
	m.bc.ToAdmins(protocol.TypeNewSuggestion, protocol.NewSuggestionMsg{Suggestion: sg})
	m.emit(EventSuggestion, sg)
	return sg, true
}

func (m *Store) emit(kind string, event interface{}) {
	metrics.ModerationActions.WithLabelValues(kind).Inc()
	if m.cfg.Events != nil {
		m.cfg.Events.Publish(kind, event)
	}
}
