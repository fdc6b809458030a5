package hub

import (
	"testing"
	"time"

	"github.com/tiktalk/chat-app/internal/ban"
	"github.com/tiktalk/chat-app/internal/dm"
	"github.com/tiktalk/chat-app/internal/moderation"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session/sessiontest"
)

const testSecret = "let-me-in"

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(Config{
		AdminSecret: testSecret,
		Bans:        ban.NewStoreWithClock(func() time.Time { return time.UnixMilli(10_000) }),
	})
}

func connect(t *testing.T, d *Dispatcher, id, addr string) *sessiontest.Conn {
	t.Helper()
	c := sessiontest.NewConn(id, addr)
	if !d.HandleConnect(c) {
		t.Fatalf("connection %s was rejected", id)
	}
	return c
}

func send(d *Dispatcher, c *sessiontest.Conn, frame string) {
	d.HandleMessage(c.ID(), []byte(frame))
}

func joined(t *testing.T, d *Dispatcher, id, nick string) *sessiontest.Conn {
	t.Helper()
	c := connect(t, d, id, id+"-addr")
	send(d, c, `{"type":"join","nickname":"`+nick+`","campus":"Main"}`)
	if c.Count(protocol.TypeJoined) != 1 {
		t.Fatalf("%s did not receive joined: %v", id, c.Types())
	}
	return c
}

// ---------------------------------------------------------------------------
// Test: join replies, announces and publishes the roster
// ---------------------------------------------------------------------------

func TestJoin(t *testing.T) {
	d := newTestDispatcher(t)
	a := joined(t, d, "c1", "Ana")

	m, _ := a.Last(protocol.TypeJoined)
	if m["id"] != "c1" {
		t.Errorf("expected id c1, got %v", m["id"])
	}
	if anns, ok := m["announcements"].([]interface{}); !ok || len(anns) != 0 {
		t.Errorf("expected empty announcements array, got %v", m["announcements"])
	}

	sys, ok := a.Last(protocol.TypeSystem)
	if !ok || sys["message"] != "Ana joined the chat." {
		t.Errorf("expected join notice, got %v", sys)
	}
	roster, ok := a.Last(protocol.TypeUserList)
	if !ok {
		t.Fatal("expected user_list")
	}
	if users := roster["users"].([]interface{}); len(users) != 1 {
		t.Errorf("expected 1 user, got %d", len(users))
	}
}

func TestJoin_DefaultsAndClamps(t *testing.T) {
	d := newTestDispatcher(t)
	c := connect(t, d, "c1", "addr")
	send(d, c, `{"type":"join","nickname":"   ","campus":""}`)

	s, _ := d.Registry().Get("c1")
	if s.Nickname != "Anonymous" || s.Campus != "Unknown" {
		t.Errorf("expected defaults, got %q/%q", s.Nickname, s.Campus)
	}

	long := ""
	for i := 0; i < 40; i++ {
		long += "x"
	}
	send(d, c, `{"type":"join","nickname":"`+long+`","campus":"Main"}`)
	if len([]rune(s.Nickname)) != 30 {
		t.Errorf("expected nickname clamped to 30, got %d", len(s.Nickname))
	}
}

// ---------------------------------------------------------------------------
// Test: unjoined connections and malformed frames are ignored
// ---------------------------------------------------------------------------

func TestUnjoinedMessagesIgnored(t *testing.T) {
	d := newTestDispatcher(t)
	c := connect(t, d, "c1", "addr")

	for _, frame := range []string{
		`{"type":"chat","message":"hi"}`,
		`{"type":"stranger_find"}`,
		`{"type":"admin_auth","secret":"let-me-in"}`,
		`{not json`,
		`{"type":"bogus"}`,
	} {
		send(d, c, frame)
	}

	if n := len(c.Frames()); n != 0 {
		t.Errorf("expected no replies, got %v", c.Types())
	}
	if d.Matchmaker().QueueLen() != 0 {
		t.Error("unjoined connection should not be queued")
	}
}

func TestMalformedFromJoinedIgnored(t *testing.T) {
	d := newTestDispatcher(t)
	a := joined(t, d, "c1", "Ana")
	a.Reset()

	send(d, a, `{"type":"chat","message":42}`)
	send(d, a, `__pong__`)
	if n := len(a.Frames()); n != 0 {
		t.Errorf("expected no replies, got %v", a.Types())
	}
	if !a.Alive() {
		t.Error("connection should stay open")
	}
}

// ---------------------------------------------------------------------------
// Test: stranger find, mutual heart, move to DM
// ---------------------------------------------------------------------------

func TestScenario_StrangerReveal(t *testing.T) {
	d := newTestDispatcher(t)
	x := joined(t, d, "x", "Xia")
	y := joined(t, d, "y", "Yuri")
	x.Reset()
	y.Reset()

	send(d, x, `{"type":"stranger_find"}`)
	if x.Count(protocol.TypeStrangerWaiting) != 1 {
		t.Fatalf("x expected stranger_waiting, got %v", x.Types())
	}

	send(d, y, `{"type":"stranger_find"}`)
	xm, ok1 := x.Last(protocol.TypeStrangerMatched)
	ym, ok2 := y.Last(protocol.TypeStrangerMatched)
	if !ok1 || !ok2 {
		t.Fatalf("both should be matched: x=%v y=%v", x.Types(), y.Types())
	}
	if xm["sessionId"] != ym["sessionId"] {
		t.Errorf("session ids differ: %v vs %v", xm["sessionId"], ym["sessionId"])
	}
	if xm["role"] == ym["role"] {
		t.Errorf("roles should differ, both %v", xm["role"])
	}

	x.Reset()
	y.Reset()
	send(d, x, `{"type":"stranger_heart"}`)
	if y.Count(protocol.TypeStrangerHeartReceived) != 1 {
		t.Errorf("y expected heart_received, got %v", y.Types())
	}
	if len(x.Frames()) != 0 {
		t.Errorf("x should receive nothing, got %v", x.Types())
	}

	send(d, y, `{"type":"stranger_heart"}`)
	xr, ok1 := x.Last(protocol.TypeStrangerMoveToDM)
	yr, ok2 := y.Last(protocol.TypeStrangerMoveToDM)
	if !ok1 || !ok2 {
		t.Fatalf("both should move to dm: x=%v y=%v", x.Types(), y.Types())
	}
	if xr["partnerNick"] != "Yuri" || yr["partnerNick"] != "Xia" {
		t.Errorf("unexpected partner nicks: x=%v y=%v", xr["partnerNick"], yr["partnerNick"])
	}
	if d.Matchmaker().SessionCount() != 0 {
		t.Error("session should be destroyed")
	}

	x.Reset()
	y.Reset()
	send(d, x, `{"type":"stranger_msg","message":"still there?"}`)
	if len(x.Frames())+len(y.Frames()) != 0 {
		t.Errorf("relay after reveal should no-op: x=%v y=%v", x.Types(), y.Types())
	}
}

// ---------------------------------------------------------------------------
// Test: admin authentication and authorization
// ---------------------------------------------------------------------------

func TestScenario_AdminAuth(t *testing.T) {
	d := newTestDispatcher(t)
	admin := joined(t, d, "adm", "Mod")
	send(d, admin, `{"type":"admin_auth","secret":"let-me-in"}`)
	ok, found := admin.Last(protocol.TypeAdminOK)
	if !found {
		t.Fatalf("expected admin_ok, got %v", admin.Types())
	}
	if _, has := ok["reports"]; !has {
		t.Error("admin_ok should carry reports")
	}
	if _, has := ok["bannedIPs"]; !has {
		t.Error("admin_ok should carry bannedIPs")
	}

	intruder := joined(t, d, "bad", "Eve")
	victim := joined(t, d, "vic", "Vic")
	intruder.Reset()

	send(d, intruder, `{"type":"admin_auth","secret":"guess"}`)
	if types := intruder.Types(); len(types) != 1 || types[0] != protocol.TypeAdminFail {
		t.Fatalf("expected only admin_fail, got %v", types)
	}
	if s, _ := d.Registry().Get("bad"); s.IsAdmin {
		t.Error("admin flag must stay false")
	}

	send(d, intruder, `{"type":"admin_ban","ip":"vic-addr","permanent":true}`)
	if d.Bans().IsBanned("vic-addr") {
		t.Error("ban from non-admin must be ignored")
	}
	if !victim.Alive() {
		t.Error("victim must stay connected")
	}
}

func TestAdminBanKicksAndCleansUp(t *testing.T) {
	d := newTestDispatcher(t)
	admin := joined(t, d, "adm", "Mod")
	send(d, admin, `{"type":"admin_auth","secret":"let-me-in"}`)

	x := joined(t, d, "x", "Xia")
	y := joined(t, d, "y", "Yuri")
	send(d, x, `{"type":"stranger_find"}`)
	send(d, y, `{"type":"stranger_find"}`)
	y.Reset()

	send(d, admin, `{"type":"admin_ban","ip":"x-addr","nickname":"Xia","duration":"60000"}`)

	b, ok := x.Last(protocol.TypeBanned)
	if !ok || b["message"] != moderation.BannedByAdminMessage {
		t.Fatalf("expected banned notice, got %v", x.Types())
	}
	if x.Alive() {
		t.Error("banned connection should be closed")
	}
	if _, ok := d.Registry().Get("x"); ok {
		t.Error("banned connection should be unregistered")
	}
	ended, ok := y.Last(protocol.TypeStrangerEnded)
	if !ok || ended["reason"] != protocol.ReasonPartnerDisconnected {
		t.Errorf("partner expected partner_disconnected, got %v", y.Types())
	}
	if admin.Count(protocol.TypeBanOK) != 1 {
		t.Errorf("admin expected ban_ok, got %v", admin.Types())
	}

	// A reconnect from the banned address is refused at accept time.
	again := sessiontest.NewConn("x2", "x-addr")
	if d.HandleConnect(again) {
		t.Fatal("banned address should be rejected")
	}
	if m, _ := again.Last(protocol.TypeBanned); m["message"] != moderation.BannedOnConnectMessage {
		t.Errorf("unexpected reject notice %v", m)
	}
}

func TestBanCheckedPerMessage(t *testing.T) {
	d := newTestDispatcher(t)
	a := joined(t, d, "c1", "Ana")

	// Banned out of band while idle.
	d.Bans().Ban("c1-addr", "Ana", true, 0)
	a.Reset()

	send(d, a, `{"type":"chat","message":"hello"}`)
	b, ok := a.Last(protocol.TypeBanned)
	if !ok || b["message"] != moderation.BannedMessage {
		t.Fatalf("expected banned notice, got %v", a.Types())
	}
	if a.Count(protocol.TypeChat) != 0 {
		t.Error("message from banned connection must not be processed")
	}
	if a.Alive() {
		t.Error("connection should be closed")
	}
}

func TestBanCheckedOnJoin(t *testing.T) {
	d := newTestDispatcher(t)
	c := connect(t, d, "c1", "addr")
	d.Bans().Ban("addr", "", true, 0)

	send(d, c, `{"type":"join","nickname":"Ana"}`)
	b, ok := c.Last(protocol.TypeBanned)
	if !ok || b["message"] != moderation.BannedOnJoinMessage {
		t.Fatalf("expected banned notice, got %v", c.Types())
	}
	if c.Count(protocol.TypeJoined) != 0 {
		t.Error("banned connection must not join")
	}
}

// ---------------------------------------------------------------------------
// Test: direct message to an offline user
// ---------------------------------------------------------------------------

func TestScenario_DMOffline(t *testing.T) {
	d := newTestDispatcher(t)
	a := joined(t, d, "a", "A")
	a.Reset()

	send(d, a, `{"type":"dm","targetNick":"B","message":"hi","dmMsgId":"d1"}`)
	if types := a.Types(); len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected only error, got %v", types)
	}
	m, _ := a.Last(protocol.TypeError)
	if m["message"] != dm.NotFoundMessage {
		t.Errorf("unexpected error message %v", m["message"])
	}

	b := joined(t, d, "b", "B")
	if b.Count(protocol.TypeDM) != 0 {
		t.Error("offline recipient must never receive the message")
	}
}

func TestDMDelivered(t *testing.T) {
	d := newTestDispatcher(t)
	a := joined(t, d, "a", "A")
	b := joined(t, d, "b", "B")

	send(d, a, `{"type":"dm","targetNick":"B","message":"hi","dmMsgId":"d1"}`)
	got, ok := b.Last(protocol.TypeDM)
	if !ok || got["message"] != "hi" || got["from"] != "A" {
		t.Errorf("unexpected dm %v", got)
	}
	if a.Count(protocol.TypeDMSent) != 1 {
		t.Errorf("sender expected dm_sent, got %v", a.Types())
	}
}

// ---------------------------------------------------------------------------
// Test: disconnect cleanup
// ---------------------------------------------------------------------------

func TestDisconnectCleanup(t *testing.T) {
	d := newTestDispatcher(t)
	x := joined(t, d, "x", "Xia")
	y := joined(t, d, "y", "Yuri")
	q := joined(t, d, "q", "Quin")

	send(d, x, `{"type":"stranger_find"}`)
	send(d, y, `{"type":"stranger_find"}`)
	send(d, q, `{"type":"stranger_find"}`)
	y.Reset()

	d.HandleDisconnect("x")
	d.HandleDisconnect("q")
	d.HandleDisconnect("x")

	if y.Count(protocol.TypeStrangerEnded) != 1 {
		t.Errorf("partner expected exactly one stranger_ended, got %v", y.Types())
	}
	if sys, ok := y.Last(protocol.TypeSystem); !ok || sys["message"] != "Quin left the chat." {
		t.Errorf("expected leave notice, got %v", sys)
	}
	mm := d.Matchmaker()
	if mm.QueueLen() != 0 || mm.SessionCount() != 0 {
		t.Errorf("expected empty matchmaker, queue=%d sessions=%d", mm.QueueLen(), mm.SessionCount())
	}
	if d.Registry().Len() != 1 {
		t.Errorf("expected 1 registered connection, got %d", d.Registry().Len())
	}
}

func TestUnjoinedDisconnectIsQuiet(t *testing.T) {
	d := newTestDispatcher(t)
	a := joined(t, d, "a", "Ana")
	connect(t, d, "ghost", "g")
	a.Reset()

	d.HandleDisconnect("ghost")
	if a.Count(protocol.TypeSystem) != 0 {
		t.Errorf("unjoined disconnect should not announce, got %v", a.Types())
	}
}

// ---------------------------------------------------------------------------
// Test: chat, reactions and reports flow through to their components
// ---------------------------------------------------------------------------

func TestChatReactReport(t *testing.T) {
	d := newTestDispatcher(t)
	admin := joined(t, d, "adm", "Mod")
	send(d, admin, `{"type":"admin_auth","secret":"let-me-in"}`)
	a := joined(t, d, "a", "Ana")
	b := joined(t, d, "b", "Bo")

	send(d, a, `{"type":"chat","message":"hello"}`)
	msg, ok := b.Last(protocol.TypeChat)
	if !ok || msg["message"] != "hello" {
		t.Fatalf("expected chat, got %v", b.Types())
	}
	id := msg["id"].(string)

	send(d, b, `{"type":"react","msgId":"`+id+`","emoji":"👍"}`)
	upd, ok := a.Last(protocol.TypeReactUpdate)
	if !ok {
		t.Fatalf("expected react_update, got %v", a.Types())
	}
	counts := upd["counts"].(map[string]interface{})
	if counts["👍"] != float64(1) {
		t.Errorf("unexpected counts %v", counts)
	}

	send(d, b, `{"type":"report","msgId":"`+id+`","targetNick":"Ana","message":"hello","reason":"spam"}`)
	if b.Count(protocol.TypeReportAck) != 1 {
		t.Errorf("reporter expected report_ack, got %v", b.Types())
	}
	rep, ok := admin.Last(protocol.TypeNewReport)
	if !ok {
		t.Fatalf("admin expected new_report, got %v", admin.Types())
	}
	r := rep["report"].(map[string]interface{})
	if r["ip"] != "a-addr" {
		t.Errorf("expected resolved address a-addr, got %v", r["ip"])
	}
}
