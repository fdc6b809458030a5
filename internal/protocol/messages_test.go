package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","nickname":"Ana","campus":"Main"}`)

	msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MessageType() != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msg.MessageType())
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.Nickname != "Ana" || jm.Campus != "Main" {
		t.Errorf("unexpected join payload: %+v", jm)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat message keeps replyTo verbatim
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatReplyTo(t *testing.T) {
	input := []byte(`{"type":"chat","message":"hi","replyTo":{"id":"m_1"}}`)

	msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Message != "hi" {
		t.Errorf("expected message %q, got %q", "hi", cm.Message)
	}
	if string(cm.ReplyTo) != `{"id":"m_1"}` {
		t.Errorf("expected raw replyTo, got %s", cm.ReplyTo)
	}
}

// ---------------------------------------------------------------------------
// Test: Typing kinds decode to one struct with Active set
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	tests := []struct {
		input  string
		active bool
	}{
		{`{"type":"typing_dm","targetNick":"Bo"}`, true},
		{`{"type":"stop_typing_dm","targetNick":"Bo"}`, false},
	}

	for _, tt := range tests {
		msg, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.input, err)
		}
		tm, ok := msg.(TypingDMMsg)
		if !ok {
			t.Fatalf("%s: expected TypingDMMsg, got %T", tt.input, msg)
		}
		if tm.Active != tt.active || tm.TargetNick != "Bo" {
			t.Errorf("%s: unexpected payload %+v", tt.input, tm)
		}
	}

	msg, err := ParseClientMessage([]byte(`{"type":"stop_typing_stranger"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MessageType() != TypeStopTypingStranger {
		t.Errorf("expected %q, got %q", TypeStopTypingStranger, msg.MessageType())
	}
}

// ---------------------------------------------------------------------------
// Test: admin_ban duration accepts numbers and numeric strings
// ---------------------------------------------------------------------------

func TestParseClientMessage_AdminBanDuration(t *testing.T) {
	tests := []struct {
		input string
		want  Millis
	}{
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":60000}`, 60000},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":"120000"}`, 120000},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":"forever"}`, 0},
		{`{"type":"admin_ban","ip":"1.2.3.4"}`, 0},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":-5}`, 0},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":"NaN"}`, 0},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":"-Inf"}`, 0},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":1000000000000}`, 1000000000000},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":1e300}`, MaxMillis},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":"1e400"}`, MaxMillis},
		{`{"type":"admin_ban","ip":"1.2.3.4","duration":"+Inf"}`, MaxMillis},
	}

	for _, tt := range tests {
		msg, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.input, err)
		}
		bm := msg.(AdminBanMsg)
		if bm.Duration != tt.want {
			t.Errorf("%s: expected duration %d, got %d", tt.input, tt.want, bm.Duration)
		}
		if bm.IP != "1.2.3.4" {
			t.Errorf("%s: expected ip 1.2.3.4, got %q", tt.input, bm.IP)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Invalid input is rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{not valid json`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"nickname":"Ana"}`)); err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"joined"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"chat","message":42}`)); err == nil {
		t.Fatal("expected error for non-string message, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: NewServerMessage injects the type key first
// ---------------------------------------------------------------------------

func TestNewServerMessage_DMSent(t *testing.T) {
	data, err := NewServerMessage(TypeDMSent, DMSentMsg{To: "Bo", DMMsgID: "x", Timestamp: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"type":"dm_sent",`) {
		t.Fatalf("type key not first: %s", data)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if result["to"] != "Bo" || result["dmMsgId"] != "x" || result["timestamp"] != float64(5) {
		t.Errorf("unexpected payload: %v", result)
	}
}

func TestNewServerMessage_Empty(t *testing.T) {
	for _, payload := range []interface{}{nil, Empty{}} {
		data, err := NewServerMessage(TypeStrangerWaiting, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"type":"stranger_waiting"}` {
			t.Errorf("unexpected output: %s", data)
		}
	}
}

func TestNewServerMessage_NonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeSystem, []string{"a"}); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestNewServerMessage_NullReplyTo(t *testing.T) {
	data, err := NewServerMessage(TypeStrangerMsg, ServerStrangerMsg{MsgID: "s1", Message: "hey"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"replyTo":null`) {
		t.Errorf("expected null replyTo, got %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Ban table rows encode as [ip, info] pairs
// ---------------------------------------------------------------------------

func TestBannedAddr_MarshalJSON(t *testing.T) {
	rows := []BannedAddr{
		{IP: "1.1.1.1", Permanent: true, Nickname: "Ana"},
		{IP: "2.2.2.2", Expiry: 1000, Nickname: "Bo"},
	}
	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `[["1.1.1.1",{"expiry":null,"permanent":true,"nickname":"Ana"}],` +
		`["2.2.2.2",{"expiry":1000,"permanent":false,"nickname":"Bo"}]]`
	if string(data) != want {
		t.Errorf("expected\n%s\ngot\n%s", want, data)
	}
}

type recordSender struct{ frames [][]byte }

func (r *recordSender) Send(data []byte) error {
	r.frames = append(r.frames, data)
	return nil
}

func TestSend(t *testing.T) {
	var rs recordSender
	if err := Send(&rs, TypeError, ErrorMsg{Message: "User not found or offline."}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rs.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(rs.frames))
	}
	if string(rs.frames[0]) != `{"type":"error","message":"User not found or offline."}` {
		t.Errorf("unexpected frame: %s", rs.frames[0])
	}
}

func TestNullable(t *testing.T) {
	for _, in := range []string{"", "null", `""`, "false", "0"} {
		if got := Nullable(json.RawMessage(in)); got != nil {
			t.Errorf("Nullable(%q) = %s, want nil", in, got)
		}
	}
	if got := Nullable(json.RawMessage(`{"id":"m_1"}`)); string(got) != `{"id":"m_1"}` {
		t.Errorf("unexpected %s", got)
	}
}

func TestMillis_Duration(t *testing.T) {
	tests := []struct {
		in   Millis
		want time.Duration
	}{
		{0, 0},
		{1500, 1500 * time.Millisecond},
		{MaxMillis, time.Duration(MaxMillis) * time.Millisecond},
		{MaxMillis + 1, time.Duration(MaxMillis) * time.Millisecond},
		{Millis(math.MaxInt64), time.Duration(MaxMillis) * time.Millisecond},
	}
	for _, tt := range tests {
		got := tt.in.Duration()
		if got != tt.want {
			t.Errorf("Millis(%d).Duration() = %v, want %v", int64(tt.in), got, tt.want)
		}
		if got < 0 {
			t.Errorf("Millis(%d).Duration() overflowed to %v", int64(tt.in), got)
		}
	}
}
