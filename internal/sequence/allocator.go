// Package sequence hands out per-conversation sequence numbers.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/turnlog/internal/types"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultKeyPrefix = "turnlog:seq:"
)

// MaxSequencer reports the highest sequence already stored for a conversation.
type MaxSequencer interface {
	MaxSequence(ctx context.Context, id types.ConversationID) (int64, error)
}

// Allocator issues unique, increasing sequence numbers per conversation.
//
// The primary path is an atomic increment on the counter service. When the
// counter fails, the allocator computes MAX(sequence)+1 from the store. That
// fallback is not atomic: two callers racing through it can receive the same
// number. The race is accepted so allocation stays available during a counter
// outage; every fallback is logged.
//
// Numbers handed out by the fallback are remembered per conversation. The
// next successful counter call first raises the counter past them, so a
// recovered counter never reissues a fallback number.
type Allocator struct {
	counter   Counter
	store     MaxSequencer
	ttl       time.Duration
	prefix    string
	fallbacks atomic.Int64

	mu       sync.Mutex
	degraded map[types.ConversationID]int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithTTL sets the sliding expiry applied to counter keys.
func WithTTL(ttl time.Duration) Option {
	return func(a *Allocator) { a.ttl = ttl }
}

// WithKeyPrefix sets the counter key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(a *Allocator) { a.prefix = prefix }
}

// NewAllocator creates an Allocator. counter may be nil, in which case every
// reservation takes the store fallback.
func NewAllocator(counter Counter, store MaxSequencer, opts ...Option) *Allocator {
	a := &Allocator{
		counter: counter,
		store:   store,
		ttl:     DefaultTTL,
		prefix:  DefaultKeyPrefix,

		degraded: make(map[types.ConversationID]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ReserveOne returns the next sequence number for the conversation.
func (a *Allocator) ReserveOne(ctx context.Context, id types.ConversationID) (int64, error) {
	r, err := a.ReserveBatch(ctx, id, 1)
	if err != nil {
		return 0, err
	}
	return r.Sequences[0], nil
}

// ReserveBatch reserves n sequence numbers in one step. The returned slice is
// ascending; callers hand element i to the i-th sub-step before any sub-step
// starts so completion order cannot affect persisted order.
func (a *Allocator) ReserveBatch(ctx context.Context, id types.ConversationID, n int) (types.SequenceReservation, error) {
	if n <= 0 {
		return types.SequenceReservation{}, fmt.Errorf("reserve batch: n must be positive, got %d", n)
	}

	last, err := a.increment(ctx, id, int64(n))
	if err != nil {
		a.fallbacks.Add(1)
		slog.Warn("sequence counter unavailable, using non-atomic store fallback",
			"conversation_id", string(id), "count", n, "error", err)
		var fbErr error
		last, fbErr = a.fallback(ctx, id, int64(n))
		if fbErr != nil {
			return types.SequenceReservation{}, fmt.Errorf("reserve sequence: %w", errors.Join(err, fbErr))
		}
		a.markDegraded(id, last)
	}

	seqs := make([]int64, n)
	first := last - int64(n) + 1
	for i := range seqs {
		seqs[i] = first + int64(i)
	}
	return types.SequenceReservation{ConversationID: id, Sequences: seqs}, nil
}

// Fallbacks returns how many reservations used the store fallback.
func (a *Allocator) Fallbacks() int64 {
	return a.fallbacks.Load()
}

func (a *Allocator) key(id types.ConversationID) string {
	return a.prefix + string(id)
}

func (a *Allocator) increment(ctx context.Context, id types.ConversationID, n int64) (int64, error) {
	if a.counter == nil {
		return 0, ErrCounterUnavailable
	}
	key := a.key(id)

	// An expired or never-created key is seeded from the store so the counter
	// never restarts below existing history.
	exists, err := a.counter.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if !exists {
		current, err := a.store.MaxSequence(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("seed counter: %w", err)
		}
		if err := a.counter.Seed(ctx, key, current, a.ttl); err != nil {
			return 0, err
		}
	}
	if issued, ok := a.degradedHigh(id); ok {
		if err := a.catchUp(ctx, id, key, issued); err != nil {
			return 0, err
		}
	}
	return a.counter.IncrBy(ctx, key, n, a.ttl)
}

// catchUp raises the counter to at least the highest number issued while it
// was down, and to the store's MAX. Concurrent increments only move the
// counter further up, so overshooting leaves a gap and never a duplicate.
func (a *Allocator) catchUp(ctx context.Context, id types.ConversationID, key string, issued int64) error {
	stored, err := a.store.MaxSequence(ctx, id)
	if err != nil {
		return fmt.Errorf("catch up counter: %w", err)
	}
	floor := max(issued, stored)
	current, err := a.counter.IncrBy(ctx, key, 0, a.ttl)
	if err != nil {
		return err
	}
	if current < floor {
		if _, err := a.counter.IncrBy(ctx, key, floor-current, a.ttl); err != nil {
			return err
		}
		slog.Info("sequence counter caught up after fallback",
			"conversation_id", string(id), "from", current, "to", floor)
	}
	a.clearDegraded(id, issued)
	return nil
}

func (a *Allocator) markDegraded(id types.ConversationID, last int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last > a.degraded[id] {
		a.degraded[id] = last
	}
}

func (a *Allocator) degradedHigh(id types.ConversationID) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.degraded[id]
	return v, ok
}

// clearDegraded forgets the conversation unless the fallback issued a higher
// number while the catch-up was running.
func (a *Allocator) clearDegraded(id types.ConversationID, issued int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.degraded[id] <= issued {
		delete(a.degraded, id)
	}
}

func (a *Allocator) fallback(ctx context.Context, id types.ConversationID, n int64) (int64, error) {
	current, err := a.store.MaxSequence(ctx, id)
	if err != nil {
		return 0, err
	}
	return current + n, nil
}
