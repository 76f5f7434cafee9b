package types

import (
	"context"
	"time"
)

type ConversationStore interface {
	ResolveOrCreate(ctx context.Context, key ConversationKey) (ConversationID, error)
	Get(ctx context.Context, id ConversationID) (*Conversation, error)
	List(ctx context.Context) ([]*Conversation, error)
	Purge(ctx context.Context, id ConversationID) error
}

// EventStore is the append-only table behind the event log.
type EventStore interface {
	Insert(ctx context.Context, event *Event) error
	// List returns events with from <= seq <= to ordered by sequence. A
	// non-positive to means no upper bound.
	List(ctx context.Context, id ConversationID, from, to int64) ([]*Event, error)
	MaxSequence(ctx context.Context, id ConversationID) (int64, error)
	MarkProcessed(ctx context.Context, id EventID) error
	Unprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error)
	Count(ctx context.Context, id ConversationID) (int64, error)
}

// MessageStore is the upsert-only read model.
type MessageStore interface {
	Upsert(ctx context.Context, msg *Message) error
	List(ctx context.Context, id ConversationID) ([]*Message, error)
}

type ApprovalStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Get(ctx context.Context, id ApprovalID) (*ApprovalRequest, error)
	// Resolve moves a pending request to a terminal status. It reports false
	// when the request was already terminal.
	Resolve(ctx context.Context, id ApprovalID, status ApprovalStatus, decidedBy string, at time.Time) (bool, error)
	ListPending(ctx context.Context) ([]*ApprovalRequest, error)
}
