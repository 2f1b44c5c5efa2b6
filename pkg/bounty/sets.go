package bounty

import "sync"

// guidSet tracks guids with an in-flight phase call, bounded by cap.
type guidSet struct {
	mu  sync.Mutex
	cap int
	m   map[string]bool
}

func newGuidSet(cap int) *guidSet {
	return &guidSet{cap: cap, m: make(map[string]bool)}
}

// tryAdd claims the guid. False when it is already claimed or the set
// is full.
func (s *guidSet) tryAdd(guid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[guid] || len(s.m) >= s.cap {
		return false
	}
	s.m[guid] = true
	return true
}

func (s *guidSet) remove(guid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, guid)
}

func (s *guidSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
