package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/turnlog/internal/types"
)

// Writer hands appended events to the queue and falls back to a synchronous
// direct write when the queue is unreachable.
type Writer struct {
	queue  *Queue
	direct *Materializer
}

// NewWriter creates a Writer. queue may be nil, in which case every event is
// written directly.
func NewWriter(queue *Queue, direct *Materializer) *Writer {
	return &Writer{queue: queue, direct: direct}
}

// Persist schedules materialization of ev. A rate-limit rejection is returned
// as is. When the queue is unavailable the row is written before returning;
// if that also fails both causes are returned.
func (w *Writer) Persist(ctx context.Context, ev *types.Event) error {
	if w.queue == nil {
		return w.directWrite(ctx, ev, fmt.Errorf("%w: no queue configured", ErrQueueUnavailable))
	}

	_, err := w.queue.Enqueue(&Job{Event: ev})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited):
		return err
	case errors.Is(err, ErrQueueUnavailable):
		return w.directWrite(ctx, ev, err)
	default:
		return fmt.Errorf("enqueue event %s: %w", ev.ID, err)
	}
}

func (w *Writer) directWrite(ctx context.Context, ev *types.Event, cause error) error {
	slog.Warn("persistence queue unavailable, writing directly",
		"event_id", string(ev.ID), "conversation_id", string(ev.ConversationID), "error", cause)
	if err := w.direct.Apply(ctx, ev); err != nil {
		return errors.Join(cause, fmt.Errorf("direct write: %w", err))
	}
	return nil
}

// Rebuild replays events through the materializer synchronously. Used for
// read-model recovery and by the events replay command.
func (w *Writer) Rebuild(ctx context.Context, events []*types.Event) (int, error) {
	n := 0
	for _, ev := range events {
		if err := w.direct.Apply(ctx, ev); err != nil {
			return n, fmt.Errorf("rebuild event %d: %w", ev.Seq, err)
		}
		n++
	}
	return n, nil
}
