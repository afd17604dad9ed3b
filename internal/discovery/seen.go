package discovery

import "sync"

// seenSet remembers observed mints in arrival order. When it grows past
// capacity only the newest retain entries are kept.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	retain   int
	order    []string
	index    map[string]struct{}
	trims    int
}

func newSeenSet(capacity, retain int) *seenSet {
	if capacity <= 0 {
		capacity = 1000
	}
	if retain <= 0 || retain > capacity {
		retain = capacity / 2
	}
	return &seenSet{
		capacity: capacity,
		retain:   retain,
		order:    make([]string, 0, capacity+1),
		index:    make(map[string]struct{}, capacity+1),
	}
}

// Add records mint and reports whether it was new.
func (s *seenSet) Add(mint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[mint]; ok {
		return false
	}
	s.index[mint] = struct{}{}
	s.order = append(s.order, mint)
	if len(s.order) > s.capacity {
		drop := len(s.order) - s.retain
		for _, m := range s.order[:drop] {
			delete(s.index, m)
		}
		kept := make([]string, s.retain, s.capacity+1)
		copy(kept, s.order[drop:])
		s.order = kept
		s.trims++
	}
	return true
}

func (s *seenSet) Contains(mint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[mint]
	return ok
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
