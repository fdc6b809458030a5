// Package chat implements the public room: posting, reactions and typing
// indicators, plus the bounded message log used to trace reports back to an
// origin address.
package chat

import (
	"strconv"
	"strings"
	"time"

	"github.com/tiktalk/chat-app/internal/broadcast"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// RoomLogSize is the number of public messages kept for report lookups.
const RoomLogSize = 1000

// Room is the single public chat room. It is owned by the hub goroutine.
//
// Reactions are keyed by connection id and outlive the reactor's connection,
// so tallies stay stable after someone leaves. They are dropped together with
// their message when it is evicted from the log, which bounds the map to
// RoomLogSize messages.
type Room struct {
	bc  *broadcast.Broadcaster
	log *MessageLog

	// msgID -> connection id -> emoji
	reactions map[string]map[string]string

	seq uint64
	now func() time.Time
}

// NewRoom creates a room broadcasting through bc.
func NewRoom(bc *broadcast.Broadcaster) *Room {
	return &Room{
		bc:        bc,
		log:       NewMessageLog(RoomLogSize),
		reactions: make(map[string]map[string]string),
		now:       time.Now,
	}
}

// Post assigns a server id to a message, logs it and broadcasts it to
// everyone including the author. Blank messages are ignored.
func (r *Room) Post(from *session.Session, msg protocol.ChatMsg) (string, bool) {
	text := Clamp(msg.Message, MaxTextChars)
	if strings.TrimSpace(text) == "" {
		return "", false
	}

	r.seq++
	id := "m_" + strconv.FormatUint(r.seq, 10)
	ts := r.now().UnixMilli()

	if evicted, ok := r.log.Add(Entry{
		ID:        id,
		Nickname:  from.Nickname,
		Campus:    from.Campus,
		Addr:      from.Addr,
		Text:      text,
		Timestamp: ts,
	}); ok {
		delete(r.reactions, evicted)
	}

	r.bc.Broadcast(protocol.TypeChat, protocol.ServerChatMsg{
		ID:           id,
		Nickname:     from.Nickname,
		Campus:       from.Campus,
		Message:      text,
		Timestamp:    ts,
		ReplyTo:      protocol.Nullable(msg.ReplyTo),
		ReplyPreview: protocol.Nullable(msg.ReplyPreview),
	}, "")
	return id, true
}

// React applies one user's reaction to a logged message: a new emoji is set,
// the same emoji again clears it, a different emoji replaces it. The updated
// tally is broadcast. Unknown or evicted message ids are ignored.
func (r *Room) React(from *session.Session, msg protocol.ReactMsg) bool {
	emoji := Clamp(msg.Emoji, MaxEmojiChars)
	if emoji == "" || msg.MsgID == "" {
		return false
	}
	if _, ok := r.log.Get(msg.MsgID); !ok {
		return false
	}

	byUser, ok := r.reactions[msg.MsgID]
	if !ok {
		byUser = make(map[string]string)
		r.reactions[msg.MsgID] = byUser
	}
	if byUser[from.ID] == emoji {
		delete(byUser, from.ID)
	} else {
		byUser[from.ID] = emoji
	}

	r.bc.Broadcast(protocol.TypeReactUpdate, protocol.ReactUpdateMsg{
		MsgID:  msg.MsgID,
		Counts: r.Counts(msg.MsgID),
	}, "")
	return true
}

// Counts returns the reaction tally for a message.
func (r *Room) Counts(msgID string) map[string]int {
	counts := make(map[string]int)
	for _, emoji := range r.reactions[msgID] {
		counts[emoji]++
	}
	return counts
}

// Typing relays a typing indicator to everyone but the typist.
func (r *Room) Typing(from *session.Session, active bool) {
	msgType := protocol.TypeStopTypingGlobal
	if active {
		msgType = protocol.TypeTypingGlobal
	}
	r.bc.Broadcast(msgType, protocol.TypingGlobalNotice{Nickname: from.Nickname}, from.ID)
}

// Lookup returns the logged message with id.
func (r *Room) Lookup(id string) (Entry, bool) {
	return r.log.Get(id)
}
