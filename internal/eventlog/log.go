// Package eventlog is the append-only, sequence-ordered log of conversation
// events. Append is the durability boundary: once it returns, the event is
// stored and its sequence number is fixed.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/user/turnlog/internal/types"
)

// Reserver allocates sequence numbers for appends that were not pre-reserved.
type Reserver interface {
	ReserveOne(ctx context.Context, id types.ConversationID) (int64, error)
}

// Log appends typed payloads as events and reads them back in order.
type Log struct {
	store types.EventStore
	seq   Reserver
	now   func() time.Time
}

// New creates a Log writing to store and allocating through seq.
func New(store types.EventStore, seq Reserver) *Log {
	return &Log{store: store, seq: seq, now: time.Now}
}

// Append allocates the next sequence number and stores the event.
func (l *Log) Append(ctx context.Context, id types.ConversationID, payload types.Payload) (*types.Event, error) {
	seq, err := l.seq.ReserveOne(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", payloadType(payload), err)
	}
	return l.AppendWithSequence(ctx, id, payload, seq)
}

// AppendWithSequence stores the event under a sequence number reserved
// earlier by the caller.
func (l *Log) AppendWithSequence(ctx context.Context, id types.ConversationID, payload types.Payload, seq int64) (*types.Event, error) {
	typ, data, err := types.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	ev := &types.Event{
		ID:             types.NewEventID(),
		ConversationID: id,
		Type:           typ,
		Seq:            seq,
		At:             l.now(),
		Payload:        data,
	}
	if err := l.store.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("append %s: %w", typ, err)
	}
	return ev, nil
}

// Events returns events with from <= seq <= to in ascending order. A
// non-positive to reads to the end of the log.
func (l *Log) Events(ctx context.Context, id types.ConversationID, from, to int64) ([]*types.Event, error) {
	return l.store.List(ctx, id, from, to)
}

// Replay calls handler once per event in sequence order. It stops at the
// first handler error and returns it.
func (l *Log) Replay(ctx context.Context, id types.ConversationID, handler func(*types.Event) error) error {
	events, err := l.store.List(ctx, id, 0, 0)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ev); err != nil {
			return fmt.Errorf("replay event %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// MarkProcessed records that the event has been materialized.
func (l *Log) MarkProcessed(ctx context.Context, id types.EventID) error {
	return l.store.MarkProcessed(ctx, id)
}

func payloadType(p types.Payload) types.EventType {
	if p == nil {
		return ""
	}
	return p.EventType()
}
