package matching

import (
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		if !q.Push(id, now) {
			t.Fatalf("push %s failed", id)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("expected %s, queue empty", want)
		}
		if e.ConnID != want {
			t.Errorf("expected %s, got %s", want, e.ConnID)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestQueue_NoDuplicates(t *testing.T) {
	q := NewQueue()
	q.Push("a", time.Now())

	if q.Push("a", time.Now()) {
		t.Fatal("duplicate push should fail")
	}
	if q.Len() != 1 {
		t.Errorf("expected len 1, got %d", q.Len())
	}
}

func TestQueue_RemoveMiddle(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.Push(id, time.Now())
	}

	if !q.Remove("b") {
		t.Fatal("expected b to be removed")
	}
	if q.Remove("b") {
		t.Error("second remove should report false")
	}
	if q.Contains("b") {
		t.Error("b still queued")
	}

	ids := q.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("unexpected order %v", ids)
	}
}
