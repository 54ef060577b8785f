package clock

import (
	"sync"
	"sync/atomic"
)

// listenerSet is a copy-on-write listener list. Notification reads the
// current snapshot without locking; add/remove swap in a new slice.
type listenerSet struct {
	mu        sync.Mutex // Protects modifications only
	listeners atomic.Pointer[[]Listener]
}

func (s *listenerSet) add(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	for _, existing := range old {
		if existing == l {
			return
		}
	}

	next := make([]Listener, len(old)+1)
	copy(next, old)
	next[len(old)] = l
	s.listeners.Store(&next)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	next := make([]Listener, 0, len(old))
	for _, existing := range old {
		if existing != l {
			next = append(next, existing)
		}
	}
	if len(next) != len(old) {
		s.listeners.Store(&next)
	}
}

func (s *listenerSet) snapshot() []Listener {
	if p := s.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *listenerSet) len() int {
	return len(s.snapshot())
}

func (s *listenerSet) notify(c Clock) {
	for _, l := range s.snapshot() {
		l.ClockModified(c)
	}
}
