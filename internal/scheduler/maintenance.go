package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/turnlog/internal/types"
)

// Sweeper expires approval rows whose deadline passed without a live waiter.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Backlog lists events that were appended but never materialized.
type Backlog interface {
	Unprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*types.Event, error)
}

// Persister schedules materialization of an event.
type Persister interface {
	Persist(ctx context.Context, ev *types.Event) error
}

// Pruner drops expired in-memory state and reports how much it removed.
type Pruner interface {
	Prune() int
}

// Maintenance holds the periodic jobs that keep the read model and the
// in-memory bookkeeping converged with the event log.
type Maintenance struct {
	Approvals Sweeper
	Backlog   Backlog
	Writer    Persister
	Pruners   []Pruner
	// Grace is how old an unprocessed event must be before it is replayed,
	// so events still sitting in the queue are left alone.
	Grace time.Duration
	Batch int

	now func() time.Time
}

// Register adds every configured job to s under schedule.
func (m *Maintenance) Register(s *Scheduler, schedule string) error {
	var errs []error
	if m.Approvals != nil {
		errs = append(errs, s.Add("approval-sweep", schedule, func(ctx context.Context) error {
			_, err := m.SweepApprovals(ctx)
			return err
		}))
	}
	if m.Backlog != nil && m.Writer != nil {
		errs = append(errs, s.Add("backlog-replay", schedule, func(ctx context.Context) error {
			_, err := m.ReplayBacklog(ctx)
			return err
		}))
	}
	if len(m.Pruners) > 0 {
		errs = append(errs, s.Add("prune", schedule, func(context.Context) error {
			m.Prune()
			return nil
		}))
	}
	return errors.Join(errs...)
}

// SweepApprovals expires orphaned approval rows.
func (m *Maintenance) SweepApprovals(ctx context.Context) (int, error) {
	n, err := m.Approvals.SweepExpired(ctx)
	if n > 0 {
		slog.Info("expired orphaned approvals", "count", n)
	}
	return n, err
}

// ReplayBacklog re-submits events older than Grace that the read model never
// received. Materialization is idempotent, so replaying an event that is
// merely slow only rewrites the same row.
func (m *Maintenance) ReplayBacklog(ctx context.Context) (int, error) {
	cutoff := m.clock().Add(-m.Grace)
	events, err := m.Backlog.Unprocessed(ctx, cutoff, m.Batch)
	if err != nil {
		return 0, fmt.Errorf("list backlog: %w", err)
	}

	n := 0
	var errs []error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := m.Writer.Persist(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("replay event %s: %w", ev.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("replayed unprocessed events", "count", n)
	}
	return n, errors.Join(errs...)
}

// Prune runs every pruner and returns the total removed.
func (m *Maintenance) Prune() int {
	total := 0
	for _, p := range m.Pruners {
		total += p.Prune()
	}
	if total > 0 {
		slog.Debug("pruned idle entries", "count", total)
	}
	return total
}

func (m *Maintenance) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}
