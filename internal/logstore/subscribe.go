package logstore

// Subscribe returns a channel receiving every entry added after the call and
// a cancel func that closes it. Slow subscribers miss entries.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 100)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(c)
				break
			}
		}
	}
	return ch, cancel
}

// broadcast must be called with s.mu held.
func (s *Store) broadcast(e Entry) {
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
