package session_test

import (
	"errors"
	"testing"

	"github.com/tiktalk/chat-app/internal/session"
	"github.com/tiktalk/chat-app/internal/session/sessiontest"
)

func TestRegistry_RegisterAndList(t *testing.T) {
	r := session.NewRegistry()
	a := sessiontest.NewConn("a", "10.0.0.1")
	b := sessiontest.NewConn("b", "10.0.0.2")

	r.Attach(a)
	r.Attach(b)

	if got := r.ListOnline(); len(got) != 0 {
		t.Fatalf("expected empty roster before join, got %v", got)
	}

	if id := r.Register(a, "Ana", "Main"); id != "a" {
		t.Fatalf("expected id %q, got %q", "a", id)
	}

	users := r.ListOnline()
	if len(users) != 1 || users[0].Nickname != "Ana" || users[0].Campus != "Main" || users[0].ID != "a" {
		t.Fatalf("unexpected roster: %+v", users)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 attached, got %d", r.Len())
	}
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := session.NewRegistry()
	a := sessiontest.NewConn("a", "10.0.0.1")
	r.Register(a, "Ana", "Main")

	if s := r.Unregister("a"); s == nil || s.Nickname != "Ana" {
		t.Fatalf("expected removed session, got %+v", s)
	}
	if s := r.Unregister("a"); s != nil {
		t.Fatalf("second unregister should return nil, got %+v", s)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("session still present after unregister")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_FindByNicknameFirstMatch(t *testing.T) {
	r := session.NewRegistry()
	first := sessiontest.NewConn("1", "10.0.0.1")
	second := sessiontest.NewConn("2", "10.0.0.2")
	r.Attach(first)
	r.Attach(second)

	// Register out of order; attach order decides.
	r.Register(second, "Sam", "East")
	r.Register(first, "Sam", "West")

	s, ok := r.FindByNickname("Sam")
	if !ok {
		t.Fatal("expected a match")
	}
	if s.ID != "1" {
		t.Errorf("expected first attached connection, got %q", s.ID)
	}

	if _, ok := r.FindByNickname("Nobody"); ok {
		t.Error("unexpected match for unknown nickname")
	}
	if _, ok := r.FindByNickname(""); ok {
		t.Error("empty nickname must never match an unjoined connection")
	}
}

func TestRegistry_Joined(t *testing.T) {
	r := session.NewRegistry()
	a := sessiontest.NewConn("a", "10.0.0.1")
	r.Attach(a)

	if _, err := r.Joined("a"); !errors.Is(err, session.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if _, err := r.Joined("missing"); !errors.Is(err, session.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined for unknown id, got %v", err)
	}

	r.Register(a, "Ana", "Main")
	s, err := r.Joined("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.JoinedAt.IsZero() {
		t.Error("JoinedAt not set")
	}
}

func TestRegistry_ByAddr(t *testing.T) {
	r := session.NewRegistry()
	r.Attach(sessiontest.NewConn("a", "10.0.0.1"))
	r.Attach(sessiontest.NewConn("b", "10.0.0.2"))
	r.Attach(sessiontest.NewConn("c", "10.0.0.1"))

	got := r.ByAddr("10.0.0.1")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("unexpected sessions: %+v", got)
	}
}

func TestRegistry_RenameKeepsPosition(t *testing.T) {
	r := session.NewRegistry()
	a := sessiontest.NewConn("a", "10.0.0.1")
	b := sessiontest.NewConn("b", "10.0.0.2")
	r.Register(a, "Ana", "Main")
	r.Register(b, "Bo", "Main")
	r.Register(a, "Ann", "North")

	users := r.ListOnline()
	if len(users) != 2 || users[0].Nickname != "Ann" || users[0].Campus != "North" {
		t.Fatalf("unexpected roster after rename: %+v", users)
	}
}
