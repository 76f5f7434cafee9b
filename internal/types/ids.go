package types

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type ConversationKey string
type ConversationID string
type TurnID string
type EventID string
type MessageID string
type ApprovalID string
type JobID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// NewEventID returns a ULID so event ids sort by creation time.
func NewEventID() EventID {
	return EventID(ulid.Make().String())
}

func NewApprovalID() ApprovalID {
	return ApprovalID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// MessageIDFor derives the read-model row id from the event it was
// materialized from, so materializing the same event twice hits the same row.
func MessageIDFor(id EventID) MessageID {
	return MessageID("msg_" + string(id))
}

func NewConversationKey(parts ...string) ConversationKey {
	return ConversationKey(strings.Join(parts, ":"))
}
