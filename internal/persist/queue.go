// Package persist materializes event-log entries into the read model through
// an asynchronous, rate-limited worker pool.
package persist

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

var (
	// ErrRateLimited means the conversation exceeded its job ceiling. Callers
	// must surface it rather than retry.
	ErrRateLimited = errors.New("persistence rate limit exceeded")
	// ErrQueueUnavailable means the queue cannot accept jobs at all (not
	// started, stopped or full). Callers may write directly instead.
	ErrQueueUnavailable = errors.New("persistence queue unavailable")
	ErrJobNotFound      = errors.New("dead job not found")
)

// Job materializes one event.
type Job struct {
	ID         types.JobID  `json:"id"`
	Event      *types.Event `json:"event"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	FailedAt   *time.Time   `json:"failed_at,omitempty"`
	// Recovered is set on dead jobs whose degraded direct write succeeded.
	Recovered bool `json:"recovered"`
}

// Handler processes a job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Options configures a Queue.
type Options struct {
	Concurrency int64
	Buffer      int
	Retry       *RetryPolicy
	Limiter     *RateLimiter
	// Fallback is attempted once when a job exhausts its retries.
	Fallback Handler
	// OnFailure receives jobs whose retries and fallback both failed.
	OnFailure func(job *Job, err error)
}

// Queue runs persistence jobs on a bounded worker pool. Jobs that exhaust
// their retries are kept in a dead set for inspection.
type Queue struct {
	jobs      chan *Job
	semaphore *semaphore.Weighted
	process   Handler
	fallback  Handler
	retry     *RetryPolicy
	limiter   *RateLimiter
	onFailure func(*Job, error)
	pending   atomic.Int64

	mu      sync.Mutex
	running bool
	// closed is set once shutdown begins; jobs coming out of backoff after
	// that are buried instead of requeued.
	closed  bool
	backoff map[types.JobID]*backoffEntry
	dead    []*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type backoffEntry struct {
	job   *Job
	timer *time.Timer
}

// NewQueue creates a Queue that runs process for every job.
func NewQueue(process Handler, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1000
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Queue{
		jobs:      make(chan *Job, opts.Buffer),
		semaphore: semaphore.NewWeighted(opts.Concurrency),
		process:   process,
		fallback:  opts.Fallback,
		retry:     opts.Retry,
		limiter:   opts.Limiter,
		onFailure: opts.OnFailure,
	}
}

// Start launches the dispatcher. Enqueue fails until Start is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true
	q.closed = false
	q.backoff = make(map[types.JobID]*backoffEntry)
	q.wg.Add(1)
	go q.dispatch()
}

// Stop stops accepting jobs, waits for queued and retrying jobs to finish
// until ctx is done, then shuts the workers down. Jobs still waiting at that
// point, queued or in backoff, are moved to the dead set.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	err := q.waitIdle(ctx)

	q.mu.Lock()
	q.closed = true
	waiting := q.backoff
	q.backoff = make(map[types.JobID]*backoffEntry)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	for _, b := range waiting {
		// A timer that already fired buries its own job in requeue.
		if b.timer.Stop() {
			q.bury(b.job, fmt.Errorf("%w: stopped during backoff", ErrQueueUnavailable))
		}
	}
	return err
}

// Enqueue submits a job and returns its id without waiting for it to run.
func (q *Queue) Enqueue(job *Job) (types.JobID, error) {
	if job == nil || job.Event == nil {
		return "", fmt.Errorf("enqueue: job has no event")
	}
	if job.ID == "" {
		job.ID = types.NewJobID()
	}
	job.EnqueuedAt = time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return "", fmt.Errorf("%w: not running", ErrQueueUnavailable)
	}
	if q.limiter != nil && !q.limiter.Allow(job.Event.ConversationID) {
		return "", fmt.Errorf("%w: conversation %s", ErrRateLimited, job.Event.ConversationID)
	}

	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		q.pending.Add(-1)
		return "", fmt.Errorf("%w: buffer full", ErrQueueUnavailable)
	}
}

// dispatch hands jobs to workers, acquiring a semaphore slot for each.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.bury(job, err)
				q.drain()
				return
			}
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				defer q.semaphore.Release(1)
				q.run(job)
			}()
		case <-q.ctx.Done():
			q.drain()
			return
		}
	}
}

// drain buries whatever is left in the channel after shutdown.
func (q *Queue) drain() {
	for {
		select {
		case job := <-q.jobs:
			q.bury(job, fmt.Errorf("%w: stopped before processing", ErrQueueUnavailable))
		default:
			return
		}
	}
}

func (q *Queue) run(job *Job) {
	job.Attempts++
	err := q.process(q.ctx, job)
	if err == nil {
		q.pending.Add(-1)
		return
	}
	job.LastError = err.Error()

	if q.retry.ShouldRetry(err, job.Attempts) {
		delay := q.retry.NextDelay(job.Attempts)
		slog.Warn("persistence job failed, retrying",
			"job_id", string(job.ID), "event_id", string(job.Event.ID),
			"attempt", job.Attempts, "delay", delay, "error", err)
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.bury(job, fmt.Errorf("%w: stopped before retry", ErrQueueUnavailable))
			return
		}
		q.backoff[job.ID] = &backoffEntry{job: job, timer: time.AfterFunc(delay, func() { q.requeue(job) })}
		q.mu.Unlock()
		return
	}
	q.bury(job, err)
}

// requeue puts a job back on the channel after its backoff. The send happens
// under mu so it cannot interleave with Stop closing the queue.
func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	delete(q.backoff, job.ID)
	if q.closed {
		q.mu.Unlock()
		q.bury(job, fmt.Errorf("%w: stopped during backoff", ErrQueueUnavailable))
		return
	}
	select {
	case q.jobs <- job:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		q.bury(job, fmt.Errorf("%w: buffer full on retry", ErrQueueUnavailable))
	}
}

// Retrying returns the number of jobs waiting out a retry backoff.
func (q *Queue) Retrying() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backoff)
}

// bury moves a job to the dead set and tries one direct write.
func (q *Queue) bury(job *Job, err error) {
	defer q.pending.Add(-1)

	now := time.Now()
	job.FailedAt = &now
	if job.LastError == "" {
		job.LastError = err.Error()
	}
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()

	slog.Error("persistence job exhausted retries",
		"job_id", string(job.ID), "event_id", string(job.Event.ID),
		"conversation_id", string(job.Event.ConversationID), "attempts", job.Attempts, "error", err)

	if q.fallback != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		fbErr := q.fallback(ctx, job)
		cancel()
		if fbErr == nil {
			job.Recovered = true
			slog.Warn("degraded direct write recovered dead job", "job_id", string(job.ID))
			return
		}
		err = errors.Join(err, fmt.Errorf("direct write: %w", fbErr))
	}
	if q.onFailure != nil {
		q.onFailure(job, err)
	}
}

// DeadJobs returns a snapshot of the dead set.
func (q *Queue) DeadJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	for i, job := range q.dead {
		out[i] = *job
	}
	return out
}

// RetryDead moves a dead job back onto the queue with a fresh attempt count.
// The rate limiter is bypassed: the job was already admitted once.
func (q *Queue) RetryDead(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return fmt.Errorf("%w: not running", ErrQueueUnavailable)
	}
	for i, job := range q.dead {
		if job.ID != id {
			continue
		}
		job.Attempts = 0
		job.LastError = ""
		job.FailedAt = nil
		job.Recovered = false
		q.pending.Add(1)
		select {
		case q.jobs <- job:
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return nil
		default:
			q.pending.Add(-1)
			return fmt.Errorf("%w: buffer full", ErrQueueUnavailable)
		}
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Pending returns the number of accepted jobs not yet finished.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// WaitIdle blocks until no jobs are pending, or the timeout expires. Returns
// true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.waitIdle(ctx) == nil
}

func (q *Queue) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
