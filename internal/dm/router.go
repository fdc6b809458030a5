// Package dm routes point-to-point messages between joined connections by
// nickname. The target is resolved at call time; no peer reference is kept.
package dm

import (
	"errors"
	"strconv"
	"time"

	"github.com/tiktalk/chat-app/internal/chat"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
)

// LogSize is the number of direct and stranger messages kept for report
// lookups.
const LogSize = 2000

// NotFoundMessage is sent to the sender when a DM target is offline.
const NotFoundMessage = "User not found or offline."

// ErrNotFound is returned by Send when no connection uses the target
// nickname.
var ErrNotFound = errors.New("dm: user not found or offline")

// Router delivers direct messages. It is owned by the hub goroutine.
type Router struct {
	reg *session.Registry
	log *chat.MessageLog
	now func() time.Time
}

// NewRouter creates a router resolving targets in reg and logging into log.
// The same log is shared with stranger chat.
func NewRouter(reg *session.Registry, log *chat.MessageLog) *Router {
	return &Router{reg: reg, log: log, now: time.Now}
}

// Send logs the message and delivers it to the target, acknowledging the
// sender with the same message id. If the target is offline the sender gets
// an error frame and ErrNotFound is returned.
func (r *Router) Send(from *session.Session, msg protocol.DMMsg) error {
	text := chat.Clamp(msg.Message, chat.MaxTextChars)
	now := r.now().UnixMilli()
	id := msg.DMMsgID
	if id == "" {
		id = "sv_" + strconv.FormatInt(now, 10)
	}

	r.log.Add(chat.Entry{
		ID:        id,
		Nickname:  from.Nickname,
		Campus:    from.Campus,
		Addr:      from.Addr,
		Text:      text,
		Timestamp: now,
	})

	target, ok := r.reg.FindByNickname(msg.TargetNick)
	if !ok {
		protocol.Send(from, protocol.TypeError, protocol.ErrorMsg{Message: NotFoundMessage})
		return ErrNotFound
	}

	protocol.Send(target, protocol.TypeDM, protocol.ServerDMMsg{
		From:       from.Nickname,
		FromCampus: from.Campus,
		Message:    text,
		DMMsgID:    id,
		ReplyTo:    protocol.Nullable(msg.ReplyTo),
		Timestamp:  now,
	})
	protocol.Send(from, protocol.TypeDMSent, protocol.DMSentMsg{
		To:        msg.TargetNick,
		DMMsgID:   id,
		Timestamp: now,
	})
	return nil
}

// Edit relays an edit. It is a silent no-op when the target is offline.
func (r *Router) Edit(from *session.Session, msg protocol.DMEditMsg) bool {
	return r.relay(msg.TargetNick, protocol.TypeDMEdit, protocol.ServerDMEditMsg{
		From:    from.Nickname,
		DMMsgID: msg.DMMsgID,
		NewText: chat.Clamp(msg.NewText, chat.MaxTextChars),
	})
}

// Delete relays a deletion. It is a silent no-op when the target is offline.
func (r *Router) Delete(from *session.Session, msg protocol.DMDeleteMsg) bool {
	return r.relay(msg.TargetNick, protocol.TypeDMDelete, protocol.ServerDMDeleteMsg{
		From:    from.Nickname,
		DMMsgID: msg.DMMsgID,
	})
}

// React relays a reaction to the target only. The server does not track
// per-user reaction state for direct messages.
func (r *Router) React(from *session.Session, msg protocol.DMReactMsg) bool {
	return r.relay(msg.TargetNick, protocol.TypeDMReact, protocol.ServerDMReactMsg{
		From:    from.Nickname,
		DMMsgID: msg.DMMsgID,
		Emoji:   chat.Clamp(msg.Emoji, chat.MaxEmojiChars),
	})
}

// Typing relays a typing indicator to the target.
func (r *Router) Typing(from *session.Session, msg protocol.TypingDMMsg) bool {
	return r.relay(msg.TargetNick, msg.MessageType(), protocol.TypingDMNotice{From: from.Nickname})
}

// Lookup returns the logged message with id.
func (r *Router) Lookup(id string) (chat.Entry, bool) {
	return r.log.Get(id)
}

func (r *Router) relay(targetNick, msgType string, payload interface{}) bool {
	target, ok := r.reg.FindByNickname(targetNick)
	if !ok {
		return false
	}
	protocol.Send(target, msgType, payload)
	return true
}
