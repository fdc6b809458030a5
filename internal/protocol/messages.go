// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All structured messages are
// serialized as JSON objects carrying a "type" discriminator; the keep-alive
// ping is the only frame sent outside that envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Keep-alive literals. These travel as bare text frames and must be checked
// before any JSON decoding is attempted.
const (
	PingFrame = "__ping__"
	PongFrame = "__pong__"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. Several relay kinds (chat, dm_edit,
// stranger_msg, typing_*) reuse the same name in the server -> client
// direction.
const (
	TypeJoin               = "join"
	TypeChat               = "chat"
	TypeReact              = "react"
	TypeReport             = "report"
	TypeDM                 = "dm"
	TypeDMEdit             = "dm_edit"
	TypeDMDelete           = "dm_delete"
	TypeDMReact            = "dm_react"
	TypeDMReport           = "dm_report"
	TypeStrangerFind       = "stranger_find"
	TypeStrangerCancelFind = "stranger_cancel_find"
	TypeStrangerMsg        = "stranger_msg"
	TypeStrangerEdit       = "stranger_edit"
	TypeStrangerDelete     = "stranger_delete"
	TypeStrangerReact      = "stranger_react"
	TypeStrangerReport     = "stranger_report"
	TypeStrangerEnd        = "stranger_end"
	TypeStrangerHeart      = "stranger_heart"
	TypeTypingGlobal       = "typing_global"
	TypeStopTypingGlobal   = "stop_typing_global"
	TypeTypingDM           = "typing_dm"
	TypeStopTypingDM       = "stop_typing_dm"
	TypeTypingStranger     = "typing_stranger"
	TypeStopTypingStranger = "stop_typing_stranger"
	TypeSuggestion         = "suggestion"
	TypeAdminAuth          = "admin_auth"
	TypeAdminBan           = "admin_ban"
	TypeAdminUnban         = "admin_unban"
	TypeAdminAnnounce      = "admin_announce"
	TypeAdminGetData       = "admin_get_data"
)

// Server -> Client message types.
const (
	TypeJoined                = "joined"
	TypeSystem                = "system"
	TypeUserList              = "user_list"
	TypeReactUpdate           = "react_update"
	TypeReportAck             = "report_ack"
	TypeSuggestionAck         = "suggestion_ack"
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
	TypeNewSuggestion         = "new_suggestion"
	TypeAdminOK               = "admin_ok"
	TypeAdminFail             = "admin_fail"
	TypeAdminData             = "admin_data"
	TypeBanOK                 = "ban_ok"
	TypeUnbanOK               = "unban_ok"
	TypeError                 = "error"
)

// Stranger session end reasons carried by stranger_ended.
const (
	ReasonPartnerEnded        = "partner_ended"
	ReasonPartnerDisconnected = "partner_disconnected"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed envelope
// whose type is not a client message kind.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of decoded inbound messages. Only types in
// this package implement it, so a type switch over it can be checked for
// completeness against the Type* constants above.
type ClientMessage interface {
	MessageType() string
	clientMessage()
}

// JoinMsg registers a nickname and campus for the connection.
type JoinMsg struct {
	Nickname string `json:"nickname"`
	Campus   string `json:"campus"`
}

// ChatMsg is a public room message.
type ChatMsg struct {
	Message      string          `json:"message"`
	ReplyTo      json.RawMessage `json:"replyTo,omitempty"`
	ReplyPreview json.RawMessage `json:"replyPreview,omitempty"`
}

// ReactMsg toggles an emoji reaction on a public room message.
type ReactMsg struct {
	MsgID string `json:"msgId"`
	Emoji string `json:"emoji"`
}

// ReportMsg reports a public room message.
type ReportMsg struct {
	MsgID        string `json:"msgId"`
	TargetNick   string `json:"targetNick"`
	TargetCampus string `json:"targetCampus"`
	Message      string `json:"message"`
	Reason       string `json:"reason"`
	Source       string `json:"source"`
}

// DMMsg sends a direct message to a nickname.
type DMMsg struct {
	TargetNick string          `json:"targetNick"`
	Message    string          `json:"message"`
	DMMsgID    string          `json:"dmMsgId"`
	ReplyTo    json.RawMessage `json:"replyTo,omitempty"`
}

// DMEditMsg replaces the text of a previously sent direct message.
type DMEditMsg struct {
	TargetNick string `json:"targetNick"`
	DMMsgID    string `json:"dmMsgId"`
	NewText    string `json:"newText"`
}

// DMDeleteMsg retracts a previously sent direct message.
type DMDeleteMsg struct {
	TargetNick string `json:"targetNick"`
	DMMsgID    string `json:"dmMsgId"`
}

// DMReactMsg reacts to a direct message.
type DMReactMsg struct {
	TargetNick string `json:"targetNick"`
	DMMsgID    string `json:"dmMsgId"`
	Emoji      string `json:"emoji"`
}

// DMReportMsg reports a direct message.
type DMReportMsg struct {
	TargetNick string `json:"targetNick"`
	DMMsgID    string `json:"dmMsgId"`
	Message    string `json:"message"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
}

// StrangerFindMsg enters the anonymous matching queue.
type StrangerFindMsg struct{}

// StrangerCancelFindMsg leaves the matching queue.
type StrangerCancelFindMsg struct{}

// StrangerMsg is a message to the anonymous partner.
type StrangerMsg struct {
	Message string          `json:"message"`
	MsgID   string          `json:"msgId"`
	ReplyTo json.RawMessage `json:"replyTo,omitempty"`
}

// StrangerEditMsg replaces the text of a message sent to the partner.
type StrangerEditMsg struct {
	MsgID   string `json:"msgId"`
	NewText string `json:"newText"`
}

// StrangerDeleteMsg retracts a message sent to the partner.
type StrangerDeleteMsg struct {
	MsgID string `json:"msgId"`
}

// StrangerReactMsg reacts to a message in the stranger session.
type StrangerReactMsg struct {
	MsgID string `json:"msgId"`
	Emoji string `json:"emoji"`
}

// StrangerReportMsg reports the anonymous partner.
type StrangerReportMsg struct {
	MsgID   string `json:"msgId"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Source  string `json:"source"`
}

// StrangerEndMsg ends the current stranger session, or leaves the queue.
type StrangerEndMsg struct{}

// StrangerHeartMsg records consent to reveal identities.
type StrangerHeartMsg struct{}

// TypingGlobalMsg is typing_global (Active) or stop_typing_global.
type TypingGlobalMsg struct {
	Active bool `json:"-"`
}

// TypingDMMsg is typing_dm (Active) or stop_typing_dm.
type TypingDMMsg struct {
	TargetNick string `json:"targetNick"`
	Active     bool   `json:"-"`
}

// TypingStrangerMsg is typing_stranger (Active) or stop_typing_stranger.
type TypingStrangerMsg struct {
	Active bool `json:"-"`
}

// SuggestionMsg is free-form feedback addressed to the admins.
type SuggestionMsg struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Campus string `json:"campus"`
}

// AdminAuthMsg requests admin privileges for the connection.
type AdminAuthMsg struct {
	Secret string `json:"secret"`
}

// AdminBanMsg bans an origin address.
type AdminBanMsg struct {
	IP        string `json:"ip"`
	Nickname  string `json:"nickname"`
	Permanent bool   `json:"permanent"`
	Duration  Millis `json:"duration"`
}

// AdminUnbanMsg lifts a ban on an origin address.
type AdminUnbanMsg struct {
	IP string `json:"ip"`
}

// AdminAnnounceMsg posts an announcement to everyone.
type AdminAnnounceMsg struct {
	Text string `json:"text"`
}

// AdminGetDataMsg requests the moderation snapshot.
type AdminGetDataMsg struct{}

func (JoinMsg) MessageType() string               { return TypeJoin }
func (ChatMsg) MessageType() string               { return TypeChat }
func (ReactMsg) MessageType() string              { return TypeReact }
func (ReportMsg) MessageType() string             { return TypeReport }
func (DMMsg) MessageType() string                 { return TypeDM }
func (DMEditMsg) MessageType() string             { return TypeDMEdit }
func (DMDeleteMsg) MessageType() string           { return TypeDMDelete }
func (DMReactMsg) MessageType() string            { return TypeDMReact }
func (DMReportMsg) MessageType() string           { return TypeDMReport }
func (StrangerFindMsg) MessageType() string       { return TypeStrangerFind }
func (StrangerCancelFindMsg) MessageType() string { return TypeStrangerCancelFind }
func (StrangerMsg) MessageType() string           { return TypeStrangerMsg }
func (StrangerEditMsg) MessageType() string       { return TypeStrangerEdit }
func (StrangerDeleteMsg) MessageType() string     { return TypeStrangerDelete }
func (StrangerReactMsg) MessageType() string      { return TypeStrangerReact }
func (StrangerReportMsg) MessageType() string     { return TypeStrangerReport }
func (StrangerEndMsg) MessageType() string        { return TypeStrangerEnd }
func (StrangerHeartMsg) MessageType() string      { return TypeStrangerHeart }
func (SuggestionMsg) MessageType() string         { return TypeSuggestion }
func (AdminAuthMsg) MessageType() string          { return TypeAdminAuth }
func (AdminBanMsg) MessageType() string           { return TypeAdminBan }
func (AdminUnbanMsg) MessageType() string         { return TypeAdminUnban }
func (AdminAnnounceMsg) MessageType() string      { return TypeAdminAnnounce }
func (AdminGetDataMsg) MessageType() string       { return TypeAdminGetData }

func (m TypingGlobalMsg) MessageType() string {
	if m.Active {
		return TypeTypingGlobal
	}
	return TypeStopTypingGlobal
}

func (m TypingDMMsg) MessageType() string {
	if m.Active {
		return TypeTypingDM
	}
	return TypeStopTypingDM
}

func (m TypingStrangerMsg) MessageType() string {
	if m.Active {
		return TypeTypingStranger
	}
	return TypeStopTypingStranger
}

func (JoinMsg) clientMessage()               {}
func (ChatMsg) clientMessage()               {}
func (ReactMsg) clientMessage()              {}
func (ReportMsg) clientMessage()             {}
func (DMMsg) clientMessage()                 {}
func (DMEditMsg) clientMessage()             {}
func (DMDeleteMsg) clientMessage()           {}
func (DMReactMsg) clientMessage()            {}
func (DMReportMsg) clientMessage()           {}
func (StrangerFindMsg) clientMessage()       {}
func (StrangerCancelFindMsg) clientMessage() {}
func (StrangerMsg) clientMessage()           {}
func (StrangerEditMsg) clientMessage()       {}
func (StrangerDeleteMsg) clientMessage()     {}
func (StrangerReactMsg) clientMessage()      {}
func (StrangerReportMsg) clientMessage()     {}
func (StrangerEndMsg) clientMessage()        {}
func (StrangerHeartMsg) clientMessage()      {}
func (TypingGlobalMsg) clientMessage()       {}
func (TypingDMMsg) clientMessage()           {}
func (TypingStrangerMsg) clientMessage()     {}
func (SuggestionMsg) clientMessage()         {}
func (AdminAuthMsg) clientMessage()          {}
func (AdminBanMsg) clientMessage()           {}
func (AdminUnbanMsg) clientMessage()         {}
func (AdminAnnounceMsg) clientMessage()      {}
func (AdminGetDataMsg) clientMessage()       {}

// Millis is a duration in milliseconds that accepts a JSON number or a
// numeric string. Anything unparseable, NaN and negative infinity decode to
// zero so that callers can substitute their default. Values beyond the int64
// range saturate at MaxMillis.
type Millis int64

// MaxMillis is the largest Millis that converts to a time.Duration without
// overflow, roughly 292 years.
const MaxMillis = Millis(math.MaxInt64 / int64(time.Millisecond))

// Duration converts m to a time.Duration, saturating at MaxMillis.
func (m Millis) Duration() time.Duration {
	if m > MaxMillis {
		m = MaxMillis
	}
	return time.Duration(m) * time.Millisecond
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(strings.Trim(string(data), `"`))
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	switch {
	case err != nil && !errors.Is(err, strconv.ErrRange), math.IsNaN(f), f <= 0:
		*m = 0
	case f >= float64(MaxMillis):
		*m = MaxMillis
	default:
		*m = Millis(f)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Records shared between the stores and the wire
// ---------------------------------------------------------------------------

// Announcement is an admin broadcast replayed to every joiner.
type Announcement struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Suggestion is user feedback collected for the admins.
type Suggestion struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	Campus    string `json:"campus"`
	Nickname  string `json:"nickname,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Report is an abuse report as shown to admins.
type Report struct {
	ID           string `json:"id"`
	IsDM         bool   `json:"isDM,omitempty"`
	IsStranger   bool   `json:"isStranger,omitempty"`
	ReporterNick string `json:"reporterNick"`
	ReporterIP   string `json:"reporterIP"`
	TargetNick   string `json:"targetNick"`
	TargetCampus string `json:"targetCampus"`
	Message      string `json:"message"`
	Reason       string `json:"reason"`
	Source       string `json:"source"`
	IP           string `json:"ip"`
	Timestamp    int64  `json:"timestamp"`
}

// BannedAddr is one row of the admin ban table. It is encoded as the pair
// [ip, {expiry, permanent, nickname}]; expiry is null for permanent bans.
type BannedAddr struct {
	IP        string
	Permanent bool
	Expiry    int64 // unix millis, ignored when Permanent
	Nickname  string
}

// MarshalJSON implements json.Marshaler.
func (b BannedAddr) MarshalJSON() ([]byte, error) {
	info := struct {
		Expiry    *int64 `json:"expiry"`
		Permanent bool   `json:"permanent"`
		Nickname  string `json:"nickname"`
	}{Permanent: b.Permanent, Nickname: b.Nickname}
	if !b.Permanent {
		expiry := b.Expiry
		info.Expiry = &expiry
	}
	return json.Marshal([]interface{}{b.IP, info})
}

// OnlineUser is one entry of the presence roster.
type OnlineUser struct {
	Nickname string `json:"nickname"`
	Campus   string `json:"campus"`
	ID       string `json:"id"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// Empty is the payload of kinds that carry nothing but their type.
type Empty struct{}

// JoinedMsg confirms a join and replays announcements.
type JoinedMsg struct {
	ID            string         `json:"id"`
	Announcements []Announcement `json:"announcements"`
}

// SystemMsg is a room-wide notice such as join/leave.
type SystemMsg struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// UserListMsg is the full presence roster.
type UserListMsg struct {
	Users []OnlineUser `json:"users"`
}

// ServerChatMsg is a public room message as delivered to every client.
type ServerChatMsg struct {
	ID           string          `json:"id"`
	Nickname     string          `json:"nickname"`
	Campus       string          `json:"campus"`
	Message      string          `json:"message"`
	Timestamp    int64           `json:"timestamp"`
	ReplyTo      json.RawMessage `json:"replyTo"`
	ReplyPreview json.RawMessage `json:"replyPreview"`
}

// ReactUpdateMsg carries the authoritative reaction tally of a room message.
type ReactUpdateMsg struct {
	MsgID  string         `json:"msgId"`
	Counts map[string]int `json:"counts"`
}

// BannedMsg precedes a forced disconnect.
type BannedMsg struct {
	Message string `json:"message"`
}

// ServerDMMsg is a direct message as delivered to its target.
type ServerDMMsg struct {
	From       string          `json:"from"`
	FromCampus string          `json:"fromCampus"`
	Message    string          `json:"message"`
	DMMsgID    string          `json:"dmMsgId"`
	ReplyTo    json.RawMessage `json:"replyTo"`
	Timestamp  int64           `json:"timestamp"`
}

// DMSentMsg acknowledges delivery of a direct message to its sender.
type DMSentMsg struct {
	To        string `json:"to"`
	DMMsgID   string `json:"dmMsgId"`
	Timestamp int64  `json:"timestamp"`
}

// ServerDMEditMsg relays a direct message edit.
type ServerDMEditMsg struct {
	From    string `json:"from"`
	DMMsgID string `json:"dmMsgId"`
	NewText string `json:"newText"`
}

// ServerDMDeleteMsg relays a direct message deletion.
type ServerDMDeleteMsg struct {
	From    string `json:"from"`
	DMMsgID string `json:"dmMsgId"`
}

// ServerDMReactMsg relays a direct message reaction.
type ServerDMReactMsg struct {
	From    string `json:"from"`
	DMMsgID string `json:"dmMsgId"`
	Emoji   string `json:"emoji"`
}

// StrangerMatchedMsg announces a new anonymous session. Role is "A" for the
// connection whose request completed the pair and "B" for the one that was
// waiting.
type StrangerMatchedMsg struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

// ServerStrangerMsg is used for both stranger_msg (to the partner) and
// stranger_msg_sent (echo to the sender).
type ServerStrangerMsg struct {
	MsgID     string          `json:"msgId"`
	Message   string          `json:"message"`
	Timestamp int64           `json:"timestamp"`
	ReplyTo   json.RawMessage `json:"replyTo"`
}

// ServerStrangerEditMsg relays an edit to the partner.
type ServerStrangerEditMsg struct {
	MsgID   string `json:"msgId"`
	NewText string `json:"newText"`
}

// ServerStrangerDeleteMsg relays a deletion to the partner.
type ServerStrangerDeleteMsg struct {
	MsgID string `json:"msgId"`
}

// ServerStrangerReactMsg is sent to both participants.
type ServerStrangerReactMsg struct {
	MsgID string `json:"msgId"`
	Emoji string `json:"emoji"`
}

// StrangerEndedMsg tells a participant that the session is over.
type StrangerEndedMsg struct {
	Reason string `json:"reason"`
}

// StrangerMoveToDMMsg reveals the partner's nickname after mutual consent.
type StrangerMoveToDMMsg struct {
	PartnerNick string `json:"partnerNick"`
}

// TypingGlobalNotice relays typing_global/stop_typing_global.
type TypingGlobalNotice struct {
	Nickname string `json:"nickname"`
}

// TypingDMNotice relays typing_dm/stop_typing_dm.
type TypingDMNotice struct {
	From string `json:"from"`
}

// AnnouncementMsg delivers a freshly posted announcement.
type AnnouncementMsg struct {
	Announcement Announcement `json:"announcement"`
}

// NewReportMsg notifies admins of a report.
type NewReportMsg struct {
	Report Report `json:"report"`
}

// NewSuggestionMsg notifies admins of a suggestion.
type NewSuggestionMsg struct {
	Suggestion Suggestion `json:"suggestion"`
}

// AdminDataMsg is the moderation snapshot carried by admin_ok and admin_data.
type AdminDataMsg struct {
	Reports     []Report     `json:"reports"`
	BannedIPs   []BannedAddr `json:"bannedIPs"`
	Suggestions []Suggestion `json:"suggestions"`
}

// BanOKMsg acknowledges admin_ban.
type BanOKMsg struct {
	IP string `json:"ip"`
}

// UnbanOKMsg acknowledges admin_unban with the remaining ban table.
type UnbanOKMsg struct {
	IP        string       `json:"ip"`
	BannedIPs []BannedAddr `json:"bannedIPs"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses a raw text frame into a typed client message.
// An error is returned for malformed JSON, a missing type, a payload that does
// not fit its kind, or a kind that clients may not send (ErrUnknownType).
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeJoin:
		msg, err = decode[JoinMsg](env.Raw)
	case TypeChat:
		msg, err = decode[ChatMsg](env.Raw)
	case TypeReact:
		msg, err = decode[ReactMsg](env.Raw)
	case TypeReport:
		msg, err = decode[ReportMsg](env.Raw)
	case TypeDM:
		msg, err = decode[DMMsg](env.Raw)
	case TypeDMEdit:
		msg, err = decode[DMEditMsg](env.Raw)
	case TypeDMDelete:
		msg, err = decode[DMDeleteMsg](env.Raw)
	case TypeDMReact:
		msg, err = decode[DMReactMsg](env.Raw)
	case TypeDMReport:
		msg, err = decode[DMReportMsg](env.Raw)
	case TypeStrangerFind:
		msg = StrangerFindMsg{}
	case TypeStrangerCancelFind:
		msg = StrangerCancelFindMsg{}
	case TypeStrangerMsg:
		msg, err = decode[StrangerMsg](env.Raw)
	case TypeStrangerEdit:
		msg, err = decode[StrangerEditMsg](env.Raw)
	case TypeStrangerDelete:
		msg, err = decode[StrangerDeleteMsg](env.Raw)
	case TypeStrangerReact:
		msg, err = decode[StrangerReactMsg](env.Raw)
	case TypeStrangerReport:
		msg, err = decode[StrangerReportMsg](env.Raw)
	case TypeStrangerEnd:
		msg = StrangerEndMsg{}
	case TypeStrangerHeart:
		msg = StrangerHeartMsg{}
	case TypeTypingGlobal, TypeStopTypingGlobal:
		msg = TypingGlobalMsg{Active: env.Type == TypeTypingGlobal}
	case TypeTypingDM, TypeStopTypingDM:
		var m TypingDMMsg
		err = json.Unmarshal(env.Raw, &m)
		m.Active = env.Type == TypeTypingDM
		msg = m
	case TypeTypingStranger, TypeStopTypingStranger:
		msg = TypingStrangerMsg{Active: env.Type == TypeTypingStranger}
	case TypeSuggestion:
		msg, err = decode[SuggestionMsg](env.Raw)
	case TypeAdminAuth:
		msg, err = decode[AdminAuthMsg](env.Raw)
	case TypeAdminBan:
		msg, err = decode[AdminBanMsg](env.Raw)
	case TypeAdminUnban:
		msg, err = decode[AdminUnbanMsg](env.Raw)
	case TypeAdminAnnounce:
		msg, err = decode[AdminAnnounceMsg](env.Raw)
	case TypeAdminGetData:
		msg = AdminGetDataMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return msg, nil
}

func decode[T ClientMessage](raw json.RawMessage) (ClientMessage, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The payload must encode to a JSON object (or be nil); msgType is written as
// the leading "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = Empty{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	if len(raw) < 2 || raw[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	out := make([]byte, 0, len(raw)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(raw) > 2 {
		out = append(out, ',')
	}
	out = append(out, raw[1:]...)
	return out, nil
}

// Sender is anything that accepts an encoded frame.
type Sender interface {
	Send(data []byte) error
}

// Send encodes payload as msgType and hands it to to.
func Send(to Sender, msgType string, payload interface{}) error {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return to.Send(data)
}

// Nullable returns raw unless it is absent or a falsy JSON literal, in which
// case it returns nil so the field encodes as null.
func Nullable(raw json.RawMessage) json.RawMessage {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`:
		return nil
	}
	return raw
}
