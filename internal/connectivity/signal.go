// Package connectivity tracks whether the origin is reachable.
package connectivity

import (
	"sync"
	"time"
)

// Transition is published when the state flips.
type Transition struct {
	Online bool
	At     time.Time
	// Source names what caused the change (probe, manual, capture).
	Source string
}

// Signal is the process-wide online flag.
type Signal struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan Transition
	nextID int
}

// NewSignal returns a signal in the given initial state.
func NewSignal(online bool) *Signal {
	return &Signal{online: online, subs: make(map[int]chan Transition)}
}

// Online reports the current state.
func (s *Signal) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set updates the state. Subscribers are notified only when it changes; slow
// subscribers miss transitions rather than block the caller. It returns
// whether the state changed.
func (s *Signal) Set(online bool, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	tr := Transition{Online: online, At: time.Now(), Source: source}
	for _, ch := range s.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a cancel func that closes it.
func (s *Signal) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 8)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
