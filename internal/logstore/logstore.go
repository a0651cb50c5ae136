// Package logstore keeps summaries of relayed requests in memory and records
// tunnel sessions in SQLite.
package logstore

import (
	"sync"
	"time"
)

// Entry summarizes one relayed request. Payloads are never stored.
type Entry struct {
	ID        string        `json:"id"`
	RelayID   string        `json:"relay_id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
	BytesIn   int           `json:"bytes_in"`
	BytesOut  int           `json:"bytes_out"`
}

// Store is a fixed-size circular buffer of entries safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	buf  []Entry
	subs []chan Entry
	size int
	head int
	full bool
}

func New(size int) *Store {
	if size <= 0 {
		size = 1
	}
	return &Store{buf: make([]Entry, size), size: size}
}

func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.head] = e
	s.head = (s.head + 1) % s.size
	if s.head == 0 {
		s.full = true
	}
	s.broadcast(e)
}

// All returns entries oldest first.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	if s.full {
		out = append(out, s.buf[s.head:]...)
	}
	out = append(out, s.buf[:s.head]...)
	res := make([]Entry, len(out))
	copy(res, out)
	return res
}

func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.buf {
		if e.ID != "" && e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
