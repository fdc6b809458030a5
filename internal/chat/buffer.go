package chat

// Entry is one logged message, kept only so that reports can be traced back
// to the author's origin address.
type Entry struct {
	ID        string
	Nickname  string
	Campus    string
	Addr      string
	Text      string
	Timestamp int64
}

// MessageLog is a bounded id-indexed log. Once full, adding a new id evicts
// the oldest one. Re-adding an existing id updates it in place without
// changing its age.
//
// A MessageLog is not safe for concurrent use.
type MessageLog struct {
	ids     []string // ring of ids in insertion order
	pos     int
	count   int
	entries map[string]Entry
}

// NewMessageLog creates a log holding at most capacity entries.
func NewMessageLog(capacity int) *MessageLog {
	if capacity < 1 {
		capacity = 1
	}
	return &MessageLog{
		ids:     make([]string, capacity),
		entries: make(map[string]Entry, capacity),
	}
}

// Add stores e under e.ID. It returns the evicted id, if any.
func (l *MessageLog) Add(e Entry) (evicted string, ok bool) {
	if _, exists := l.entries[e.ID]; exists {
		l.entries[e.ID] = e
		return "", false
	}

	capacity := len(l.ids)
	if l.count == capacity {
		evicted = l.ids[l.pos]
		delete(l.entries, evicted)
		ok = true
	} else {
		l.count++
	}
	l.ids[l.pos] = e.ID
	l.pos = (l.pos + 1) % capacity
	l.entries[e.ID] = e
	return evicted, ok
}

// Get returns the entry for id.
func (l *MessageLog) Get(id string) (Entry, bool) {
	e, ok := l.entries[id]
	return e, ok
}

// Len returns the number of entries held.
func (l *MessageLog) Len() int {
	return l.count
}

// Recent returns the entries oldest first.
func (l *MessageLog) Recent() []Entry {
	capacity := len(l.ids)
	out := make([]Entry, 0, l.count)
	start := (l.pos - l.count + capacity) % capacity
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[l.ids[(start+i)%capacity]])
	}
	return out
}
