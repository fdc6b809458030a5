// Package ban provides address-based ban management. Ban records live in
// process memory only:
//
//	Key:   origin address
//	Value: Record{Permanent, Expiry, Nickname}
//
// Temporary records are never swept; an expired record is deleted the next
// time it is looked up.
//
// A Store is not safe for concurrent use; it is owned by the hub goroutine.
package ban

import (
	"time"

	"github.com/tiktalk/chat-app/internal/protocol"
)

// DefaultDuration applies when a temporary ban arrives without a usable
// duration.
const DefaultDuration = 1 * time.Hour

// Record is the ban state of one origin address.
type Record struct {
	Addr      string
	Permanent bool
	Expiry    time.Time // ignored when Permanent
	Nickname  string    // nickname at the time of the ban
}

// active reports whether the record still applies at now.
func (r Record) active(now time.Time) bool {
	return r.Permanent || now.Before(r.Expiry)
}

// Store manages ban records.
type Store struct {
	records map[string]Record
	order   []string // first-ban order, for stable listings
	now     func() time.Time
}

// NewStore creates an empty ban store using the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates an empty ban store reading time from now.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		records: make(map[string]Record),
		now:     now,
	}
}

// IsBanned checks if addr is currently banned. An expired temporary record
// is deleted as a side effect.
func (s *Store) IsBanned(addr string) bool {
	r, ok := s.records[addr]
	if !ok {
		return false
	}
	if r.active(s.now()) {
		return true
	}
	s.remove(addr)
	return false
}

// Ban writes or overwrites the record for addr. A non-positive duration on a
// temporary ban is replaced by DefaultDuration.
func (s *Store) Ban(addr, nickname string, permanent bool, duration time.Duration) Record {
	if duration <= 0 {
		duration = DefaultDuration
	}
	r := Record{
		Addr:      addr,
		Permanent: permanent,
		Nickname:  nickname,
	}
	if !permanent {
		r.Expiry = s.now().Add(duration)
	}
	if _, ok := s.records[addr]; !ok {
		s.order = append(s.order, addr)
	}
	s.records[addr] = r
	return r
}

// Unban removes the record for addr. It reports whether a record existed.
func (s *Store) Unban(addr string) bool {
	if _, ok := s.records[addr]; !ok {
		return false
	}
	s.remove(addr)
	return true
}

// List returns the active records in first-ban order, pruning expired ones.
func (s *Store) List() []Record {
	now := s.now()
	out := make([]Record, 0, len(s.order))
	for _, addr := range append([]string(nil), s.order...) {
		r := s.records[addr]
		if !r.active(now) {
			s.remove(addr)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Table returns the active records in their wire form.
func (s *Store) Table() []protocol.BannedAddr {
	records := s.List()
	out := make([]protocol.BannedAddr, 0, len(records))
	for _, r := range records {
		row := protocol.BannedAddr{
			IP:        r.Addr,
			Permanent: r.Permanent,
			Nickname:  r.Nickname,
		}
		if !r.Permanent {
			row.Expiry = r.Expiry.UnixMilli()
		}
		out = append(out, row)
	}
	return out
}

// Len returns the number of stored records, expired or not.
func (s *Store) Len() int {
	return len(s.records)
}

func (s *Store) remove(addr string) {
	delete(s.records, addr)
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
