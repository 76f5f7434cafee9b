package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/turnlog/internal/config"
	"github.com/user/turnlog/internal/eventlog"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/scheduler"
	"github.com/user/turnlog/internal/sequence"
	"github.com/user/turnlog/internal/state"
)

// stores is the database and everything read or written through it.
type stores struct {
	db            *state.DB
	conversations *state.ConversationStore
	events        *state.EventStore
	messages      *state.MessageStore
	approvals     *state.ApprovalStore
}

func openStores(cfg *config.Config) (*stores, error) {
	db, err := state.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	return &stores{
		db:            db,
		conversations: state.NewConversationStore(db),
		events:        state.NewEventStore(db),
		messages:      state.NewMessageStore(db),
		approvals:     state.NewApprovalStore(db),
	}, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}

// pipeline is the write path: sequence allocation, the event log and the
// persistence queue feeding the read model.
type pipeline struct {
	allocator    *sequence.Allocator
	log          *eventlog.Log
	materializer *persist.Materializer
	limiter      *persist.RateLimiter
	queue        *persist.Queue
	writer       *persist.Writer
	// pruners holds in-memory state that maintenance trims.
	pruners []scheduler.Pruner
	closers []func() error
}

func newPipeline(ctx context.Context, cfg *config.Config, st *stores) (*pipeline, error) {
	p := &pipeline{}

	var counter sequence.Counter
	if cfg.Sequence.RedisAddr != "" {
		rc, err := sequence.DialRedis(ctx, cfg.Sequence.RedisAddr, cfg.Sequence.RedisPassword, cfg.Sequence.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect sequence counter: %w", err)
		}
		counter = rc
		p.closers = append(p.closers, rc.Close)
		slog.Info("sequence counter", "backend", "redis", "addr", cfg.Sequence.RedisAddr)
	} else {
		mc := sequence.NewMemoryCounter()
		counter = mc
		p.pruners = append(p.pruners, mc)
		slog.Warn("sequence counter", "backend", "memory", "note", "single process only")
	}

	p.allocator = sequence.NewAllocator(counter, st.events,
		sequence.WithTTL(cfg.Sequence.KeyTTL.Duration),
		sequence.WithKeyPrefix(cfg.Sequence.KeyPrefix),
	)
	p.log = eventlog.New(st.events, p.allocator)
	p.materializer = persist.NewMaterializer(st.messages, st.events)
	if cfg.Persist.RateLimit > 0 {
		p.limiter = persist.NewRateLimiter(cfg.Persist.RateLimit, cfg.Persist.RateWindow.Duration)
		p.pruners = append(p.pruners, p.limiter)
	}

	p.queue = persist.NewQueue(p.materializer.Handle, persist.Options{
		Concurrency: int64(cfg.Persist.Workers),
		Buffer:      cfg.Persist.Buffer,
		Retry: &persist.RetryPolicy{
			MaxAttempts:  cfg.Persist.MaxAttempts,
			InitialDelay: cfg.Persist.BaseDelay.Duration,
			Multiplier:   2.0,
			MaxDelay:     cfg.Persist.MaxDelay.Duration,
		},
		Limiter:  p.limiter,
		Fallback: p.materializer.Handle,
		OnFailure: func(job *persist.Job, err error) {
			slog.Error("persistence job dead",
				"job_id", string(job.ID), "event_id", string(job.Event.ID),
				"conversation_id", string(job.Event.ConversationID), "error", err)
		},
	})
	p.writer = persist.NewWriter(p.queue, p.materializer)
	return p, nil
}

// drain stops the persistence queue, waiting up to timeout for queued and
// retrying jobs. Anything left over lands in the dead set.
func (p *pipeline) drain(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.queue.Stop(ctx); err != nil {
		slog.Error("persistence queue did not drain",
			"pending", p.queue.Pending(), "dead", len(p.queue.DeadJobs()), "error", err)
		return err
	}
	return nil
}

func (p *pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
