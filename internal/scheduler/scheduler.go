// Package scheduler runs periodic maintenance on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is the callback invoked when a scheduled job fires.
type Task func(ctx context.Context) error

// Scheduler fires named tasks on cron schedules. A task that is still running
// when its next tick arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates an idle Scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers task under name. Tasks may be added before or after Start.
func (s *Scheduler) Add(name, schedule string, task Task) error {
	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("scheduled task failed", "name", name, "error", err)
			return
		}
		slog.Debug("scheduled task done", "name", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, schedule, err)
	}
	slog.Info("scheduled task", "name", name, "schedule", schedule)
	return nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the ticker, cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Entries returns the number of registered tasks.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
