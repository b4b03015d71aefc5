package replication

import "sync"

// ProcessedSet remembers replicated source tickets. It is bounded: once it
// grows past its cap the oldest half is forgotten, so de-duplication is best
// effort for tickets older than that.
type ProcessedSet struct {
	mu    sync.Mutex
	cap   int
	order []int64
	set   map[int64]struct{}
}

func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity < 2 {
		capacity = 2
	}
	return &ProcessedSet{cap: capacity, set: make(map[int64]struct{})}
}

// Add records ticket and reports whether it was new.
func (s *ProcessedSet) Add(ticket int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[ticket]; ok {
		return false
	}
	s.set[ticket] = struct{}{}
	s.order = append(s.order, ticket)

	if len(s.order) > s.cap {
		drop := len(s.order) - s.cap/2
		for _, t := range s.order[:drop] {
			delete(s.set, t)
		}
		s.order = append([]int64(nil), s.order[drop:]...)
	}
	return true
}

func (s *ProcessedSet) Contains(ticket int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[ticket]
	return ok
}

func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
