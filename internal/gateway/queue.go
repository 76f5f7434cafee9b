package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/turnlog/internal/types"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("turn queue stopped")

// Queue manages per-conversation lanes with a global concurrency semaphore.
// Each conversation gets its own FIFO channel (lane) so that at most one
// turn per conversation runs at a time, while the semaphore limits the
// total number of concurrent turns across all conversations.
type Queue struct {
	lanes     map[types.ConversationID]chan *Run
	active    map[types.ConversationID]*activeRun
	semaphore *semaphore.Weighted
	processor func(*Run) error
	running   atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

type activeRun struct {
	run    *Run
	cancel context.CancelFunc
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously across all conversation lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.ConversationID]chan *Run),
		active:    make(map[types.ConversationID]*activeRun),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// turns to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the conversation's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.ctx == nil {
		return ErrStopped
	}

	lane, exists := q.lanes[run.ConversationID]
	if !exists {
		lane = make(chan *Run, 100)
		q.lanes[run.ConversationID] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for conversation %s", run.ConversationID)
	}
}

// Cancel stops the running turn of a conversation. It reports whether a turn
// was running.
func (q *Queue) Cancel(id types.ConversationID) bool {
	q.mu.RLock()
	a, ok := q.active[id]
	q.mu.RUnlock()
	if !ok {
		return false
	}
	a.cancel()
	slog.Info("turn cancel requested", "conversation_id", string(id), "turn_id", string(a.run.ID))
	return true
}

// Active returns the running turn of a conversation, if any.
func (q *Queue) Active(id types.ConversationID) (*Run, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	a, ok := q.active[id]
	if !ok {
		return nil, false
	}
	return a.run, true
}

// processLane drains a single conversation lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a conversation while the semaphore limits
// cross-conversation parallelism.
func (q *Queue) processLane(lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.execute(run)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(run *Run) {
	if q.processor == nil {
		return
	}
	runCtx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	q.mu.Lock()
	q.active[run.ConversationID] = &activeRun{run: run, cancel: cancel}
	q.mu.Unlock()
	q.running.Add(1)

	now := time.Now()
	run.Ctx = runCtx
	run.StartedAt = &now
	run.Attempts++
	run.Status = RunStatusRunning

	err := q.processor(run)

	ended := time.Now()
	run.EndedAt = &ended
	switch {
	case runCtx.Err() != nil && q.ctx.Err() == nil:
		run.Status = RunStatusCancelled
	case err != nil:
		run.Status = RunStatusFailed
		run.Error = err
		slog.Error("turn failed", "turn_id", string(run.ID), "conversation_id", string(run.ConversationID), "error", err)
		if run.OnComplete != nil {
			run.OnComplete("Sorry, something went wrong processing your message.")
		}
	default:
		run.Status = RunStatusComplete
	}

	q.mu.Lock()
	delete(q.active, run.ConversationID)
	q.mu.Unlock()
	q.running.Add(-1)
}

// WaitIdle blocks until no turns are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.running.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
