package matching

import "sync"

// DefaultIDMemory is how many order ids the engine remembers for duplicate checks.
const DefaultIDMemory = 1 << 20

// idSet remembers the most recent order ids. The oldest id is forgotten once
// capacity is reached.
type idSet struct {
	mu   sync.Mutex
	slot map[string]int
	ring []string
	next int
}

func newIDSet(capacity int) *idSet {
	if capacity <= 0 {
		capacity = DefaultIDMemory
	}
	return &idSet{slot: make(map[string]int), ring: make([]string, capacity)}
}

// reserve records id and reports false when it was already present.
func (s *idSet) reserve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slot[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.slot, old)
	}
	s.ring[s.next] = id
	s.slot[id] = s.next
	s.next = (s.next + 1) % len(s.ring)
	return true
}

// release forgets an id whose order was rejected before touching a book.
func (s *idSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.slot[id]
	if !ok {
		return
	}
	s.ring[i] = ""
	delete(s.slot, id)
}
