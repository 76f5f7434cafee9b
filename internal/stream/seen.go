package stream

import "sync"

// SeenSet reports tool-call ids that have already been handled. The
// normalizer only reads it.
type SeenSet interface {
	Seen(id string) bool
}

// ToolSet is a concurrency-safe SeenSet shared across the rounds of a turn.
// The orchestrator marks an id once its tool_execution event has been
// forwarded.
type ToolSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewToolSet() *ToolSet {
	return &ToolSet{ids: make(map[string]struct{})}
}

func (s *ToolSet) Seen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Mark adds id and reports whether it was new.
func (s *ToolSet) Mark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *ToolSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
