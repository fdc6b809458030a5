package matching

import (
	"fmt"
	"testing"

	"github.com/tiktalk/chat-app/internal/chat"
	"github.com/tiktalk/chat-app/internal/protocol"
	"github.com/tiktalk/chat-app/internal/session"
	"github.com/tiktalk/chat-app/internal/session/sessiontest"
)

type fixture struct {
	mm    *Matchmaker
	reg   *session.Registry
	conns map[string]*sessiontest.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := session.NewRegistry()
	mm := NewMatchmaker(reg, chat.NewMessageLog(100))
	seq := 0
	mm.newID = func() string {
		seq++
		return fmt.Sprintf("sess-%d", seq)
	}
	return &fixture{mm: mm, reg: reg, conns: make(map[string]*sessiontest.Conn)}
}

// join registers a connection whose nickname equals its id.
func (f *fixture) join(id string) *session.Session {
	c := sessiontest.NewConn(id, "addr-"+id)
	f.conns[id] = c
	f.reg.Register(c, id, "Main")
	s, _ := f.reg.Get(id)
	return s
}

func (f *fixture) last(t *testing.T, id, msgType string) map[string]interface{} {
	t.Helper()
	msg, ok := f.conns[id].Last(msgType)
	if !ok {
		t.Fatalf("%s: no %s received (got %v)", id, msgType, f.conns[id].Types())
	}
	return msg
}

func TestEnqueue_FIFOPairing(t *testing.T) {
	f := newFixture(t)
	ids := []string{"c1", "c2", "c3", "c4"}
	for _, id := range ids {
		f.mm.Enqueue(f.join(id))
	}

	pairs := [][2]string{{"c1", "c2"}, {"c3", "c4"}}
	for _, p := range pairs {
		a, _ := f.mm.Session(p[0])
		b, _ := f.mm.Session(p[1])
		if a == nil || a != b {
			t.Fatalf("expected %s and %s in the same session", p[0], p[1])
		}
	}
	if f.mm.SessionCount() != 2 || f.mm.QueueLen() != 0 {
		t.Errorf("expected 2 sessions and empty queue, got %d/%d", f.mm.SessionCount(), f.mm.QueueLen())
	}

	// The second arrival of each pair completes it and gets role A.
	if f.last(t, "c2", protocol.TypeStrangerMatched)["role"] != RoleA {
		t.Error("c2 should be role A")
	}
	if f.last(t, "c1", protocol.TypeStrangerMatched)["role"] != RoleB {
		t.Error("c1 should be role B")
	}
	if f.last(t, "c1", protocol.TypeStrangerMatched)["sessionId"] != f.last(t, "c2", protocol.TypeStrangerMatched)["sessionId"] {
		t.Error("partners received different session ids")
	}
}

func TestEnqueue_NoSelfPairing(t *testing.T) {
	f := newFixture(t)
	a := f.join("a")

	f.mm.Enqueue(a)
	f.mm.Enqueue(a)

	if f.mm.State("a") != StateQueued {
		t.Fatalf("expected queued, got %v", f.mm.State("a"))
	}
	if n := f.conns["a"].Count(protocol.TypeStrangerWaiting); n != 1 {
		t.Errorf("expected one waiting notice, got %d", n)
	}
	if n := f.conns["a"].Count(protocol.TypeStrangerMatched); n != 0 {
		t.Errorf("lone connection must not be matched, got %d", n)
	}
}

func TestEnqueue_PairedIsNoop(t *testing.T) {
	f := newFixture(t)
	a, b := f.join("a"), f.join("b")
	f.mm.Enqueue(a)
	f.mm.Enqueue(b)

	f.mm.Enqueue(a)

	if f.mm.QueueLen() != 0 {
		t.Fatal("paired connection must not re-enter the queue")
	}
}

func TestEnqueue_SkipsStaleHead(t *testing.T) {
	f := newFixture(t)
	stale, live, caller := f.join("stale"), f.join("live"), f.join("caller")
	f.mm.Enqueue(stale)
	f.mm.queue.Push(live.ID, f.mm.now())
	f.conns["stale"].Close()

	f.mm.Enqueue(caller)

	ss, ok := f.mm.Session("caller")
	if !ok || ss.Partner("caller") != "live" {
		t.Fatalf("expected caller paired with live, got %+v", ss)
	}
	if f.mm.QueueLen() != 0 {
		t.Errorf("expected empty queue, got %v", f.mm.queue.IDs())
	}
}

func TestEnqueue_AllStaleQueuesCaller(t *testing.T) {
	f := newFixture(t)
	stale, caller := f.join("stale"), f.join("caller")
	f.mm.Enqueue(stale)
	f.reg.Unregister("stale")

	f.mm.Enqueue(caller)

	if f.mm.State("caller") != StateQueued {
		t.Fatalf("expected caller queued, got %v", f.mm.State("caller"))
	}
	f.last(t, "caller", protocol.TypeStrangerWaiting)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	a := f.join("a")

	if f.mm.Cancel(a) {
		t.Fatal("cancel while idle should be a no-op")
	}
	if len(f.conns["a"].Frames()) != 0 {
		t.Fatal("idle cancel must not notify")
	}

	f.mm.Enqueue(a)
	if !f.mm.Cancel(a) {
		t.Fatal("expected cancel to succeed")
	}
	if f.mm.State("a") != StateIdle {
		t.Errorf("expected idle, got %v", f.mm.State("a"))
	}
	f.last(t, "a", protocol.TypeStrangerCancelled)
}

func TestRelay(t *testing.T) {
	f := newFixture(t)
	a, b := f.join("a"), f.join("b")

	if f.mm.Relay(a, protocol.StrangerMsg{Message: "hi", MsgID: "s1"}) {
		t.Fatal("relay while idle should fail")
	}

	f.mm.Enqueue(a)
	f.mm.Enqueue(b)

	if !f.mm.Relay(a, protocol.StrangerMsg{Message: "hi", MsgID: "s1"}) {
		t.Fatal("relay failed")
	}
	got := f.last(t, "b", protocol.TypeStrangerMsg)
	if got["msgId"] != "s1" || got["message"] != "hi" {
		t.Errorf("unexpected stranger_msg %v", got)
	}
	sent := f.last(t, "a", protocol.TypeStrangerMsgSent)
	if sent["msgId"] != "s1" {
		t.Errorf("unexpected stranger_msg_sent %v", sent)
	}
	if e, ok := f.mm.Lookup("s1"); !ok || e.Addr != "addr-a" {
		t.Errorf("expected logged sender, got %+v", e)
	}
}

func TestEditDeleteReactTyping(t *testing.T) {
	f := newFixture(t)
	a, b := f.join("a"), f.join("b")
	f.mm.Enqueue(a)
	f.mm.Enqueue(b)
	f.conns["a"].Reset()
	f.conns["b"].Reset()

	f.mm.Edit(a, protocol.StrangerEditMsg{MsgID: "s1", NewText: "x"})
	f.mm.Delete(a, protocol.StrangerDeleteMsg{MsgID: "s1"})
	f.mm.React(a, protocol.StrangerReactMsg{MsgID: "s1", Emoji: "❤"})
	f.mm.Typing(a, true)

	bTypes := f.conns["b"].Types()
	want := []string{protocol.TypeStrangerEdit, protocol.TypeStrangerDelete, protocol.TypeStrangerReact, protocol.TypeTypingStranger}
	if fmt.Sprint(bTypes) != fmt.Sprint(want) {
		t.Errorf("partner: expected %v, got %v", want, bTypes)
	}
	aTypes := f.conns["a"].Types()
	if len(aTypes) != 1 || aTypes[0] != protocol.TypeStrangerReact {
		t.Errorf("sender should only see the react echo, got %v", aTypes)
	}
}

func TestHeart_MutualReveal(t *testing.T) {
	f := newFixture(t)
	x, y := f.join("X"), f.join("Y")
	f.mm.Enqueue(x)
	f.mm.Enqueue(y)
	f.conns["X"].Reset()
	f.conns["Y"].Reset()

	if f.mm.Heart(x) {
		t.Fatal("single heart must not reveal")
	}
	if f.mm.Heart(x) {
		t.Fatal("repeated heart must not reveal")
	}
	if n := f.conns["Y"].Count(protocol.TypeStrangerHeartReceived); n != 1 {
		t.Fatalf("expected one heart_received, got %d", n)
	}
	if n := len(f.conns["X"].Frames()); n != 0 {
		t.Fatalf("clicker should receive nothing, got %v", f.conns["X"].Types())
	}

	if !f.mm.Heart(y) {
		t.Fatal("second participant's heart should reveal")
	}

	if f.conns["X"].Count(protocol.TypeStrangerMoveToDM) != 1 || f.conns["Y"].Count(protocol.TypeStrangerMoveToDM) != 1 {
		t.Fatal("each participant must receive exactly one move_to_dm")
	}
	if f.last(t, "X", protocol.TypeStrangerMoveToDM)["partnerNick"] != "Y" {
		t.Error("X should learn Y's nickname")
	}
	if f.last(t, "Y", protocol.TypeStrangerMoveToDM)["partnerNick"] != "X" {
		t.Error("Y should learn X's nickname")
	}

	if f.mm.SessionCount() != 0 || f.mm.State("X") != StateIdle || f.mm.State("Y") != StateIdle {
		t.Fatal("session should be destroyed after reveal")
	}
	if f.mm.Relay(x, protocol.StrangerMsg{Message: "still there?"}) {
		t.Error("relay after reveal should fail")
	}
	if f.mm.Heart(y) {
		t.Error("heart after reveal should be a no-op")
	}
}

func TestEnd(t *testing.T) {
	f := newFixture(t)
	a, b := f.join("a"), f.join("b")
	f.mm.Enqueue(a)
	f.mm.Enqueue(b)
	f.conns["a"].Reset()

	f.mm.End(a)

	ended := f.last(t, "b", protocol.TypeStrangerEnded)
	if ended["reason"] != protocol.ReasonPartnerEnded {
		t.Errorf("unexpected reason %v", ended["reason"])
	}
	if n := len(f.conns["a"].Frames()); n != 0 {
		t.Errorf("ender should not be notified, got %v", f.conns["a"].Types())
	}
	if f.mm.State("a") != StateIdle || f.mm.State("b") != StateIdle {
		t.Error("both should be idle")
	}

	// Ending from the queue cancels.
	f.mm.Enqueue(a)
	f.mm.End(a)
	f.last(t, "a", protocol.TypeStrangerCancelled)

	// Ending while idle does nothing.
	f.conns["a"].Reset()
	f.mm.End(a)
	if n := len(f.conns["a"].Frames()); n != 0 {
		t.Errorf("idle end should be silent, got %v", f.conns["a"].Types())
	}
}

func TestDisconnect_Cleanup(t *testing.T) {
	f := newFixture(t)
	a, b, q := f.join("a"), f.join("b"), f.join("q")
	f.mm.Enqueue(a)
	f.mm.Enqueue(b)
	f.mm.Enqueue(q)

	f.reg.Unregister("a")
	f.mm.Disconnect("a")
	f.reg.Unregister("q")
	f.mm.Disconnect("q")

	if n := f.conns["b"].Count(protocol.TypeStrangerEnded); n != 1 {
		t.Fatalf("partner should get exactly one stranger_ended, got %d", n)
	}
	if f.last(t, "b", protocol.TypeStrangerEnded)["reason"] != protocol.ReasonPartnerDisconnected {
		t.Error("expected partner_disconnected")
	}
	for _, id := range []string{"a", "b", "q"} {
		if f.mm.State(id) != StateIdle {
			t.Errorf("%s: expected idle, got %v", id, f.mm.State(id))
		}
	}
	if len(f.mm.byConn) != 0 || len(f.mm.sessions) != 0 || f.mm.QueueLen() != 0 {
		t.Error("stale references left behind")
	}

	// Idempotent.
	f.mm.Disconnect("a")
	if n := f.conns["b"].Count(protocol.TypeStrangerEnded); n != 1 {
		t.Errorf("repeated disconnect notified again: %d", n)
	}
}
