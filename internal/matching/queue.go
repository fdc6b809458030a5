package matching

import (
	"container/list"
	"time"
)

// QueueEntry represents a connection waiting for a partner.
type QueueEntry struct {
	ConnID   string
	JoinedAt time.Time
}

// Queue is a FIFO of waiting connections. A connection id appears at most
// once. Push, Pop and Remove are O(1).
type Queue struct {
	order *list.List
	index map[string]*list.Element
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Push appends connID. It returns false if connID is already queued.
func (q *Queue) Push(connID string, at time.Time) bool {
	if _, ok := q.index[connID]; ok {
		return false
	}
	q.index[connID] = q.order.PushBack(QueueEntry{ConnID: connID, JoinedAt: at})
	return true
}

// Pop removes and returns the oldest entry.
func (q *Queue) Pop() (QueueEntry, bool) {
	front := q.order.Front()
	if front == nil {
		return QueueEntry{}, false
	}
	entry := q.order.Remove(front).(QueueEntry)
	delete(q.index, entry.ConnID)
	return entry, true
}

// Remove deletes connID wherever it is. It reports whether it was queued.
func (q *Queue) Remove(connID string) bool {
	el, ok := q.index[connID]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, connID)
	return true
}

// Contains reports whether connID is queued.
func (q *Queue) Contains(connID string) bool {
	_, ok := q.index[connID]
	return ok
}

// Len returns the number of waiting connections.
func (q *Queue) Len() int {
	return q.order.Len()
}

// IDs returns the queued connection ids, oldest first.
func (q *Queue) IDs() []string {
	out := make([]string, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(QueueEntry).ConnID)
	}
	return out
}
