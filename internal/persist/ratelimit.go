package persist

import (
	"sync"
	"time"

	"github.com/user/turnlog/internal/types"
)

// RateLimiter is a per-conversation sliding-window counter. A conversation
// may enqueue at most limit jobs in any window-long interval.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[types.ConversationID][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit jobs per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[types.ConversationID][]time.Time),
		now:    time.Now,
	}
}

// Allow records a hit and reports whether it is within the ceiling. Rejected
// hits are not recorded.
func (r *RateLimiter) Allow(id types.ConversationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	hits := r.trim(r.hits[id], now)
	if len(hits) >= r.limit {
		r.hits[id] = hits
		return false
	}
	r.hits[id] = append(hits, now)
	return true
}

// Prune forgets conversations with no hits inside the window.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, hits := range r.hits {
		if hits = r.trim(hits, now); len(hits) == 0 {
			delete(r.hits, id)
			removed++
		} else {
			r.hits[id] = hits
		}
	}
	return removed
}

// trim drops hits older than the window. hits is ordered oldest first.
func (r *RateLimiter) trim(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
