package gateway

import (
	"context"
	"time"

	"github.com/user/turnlog/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run tracks a single agent turn for an inbound message.
type Run struct {
	ID             types.TurnID
	ConversationID types.ConversationID
	Message        *types.InboundMessage
	Status         RunStatus
	Attempts       int
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Error          error
	// Ctx is cancelled when the client stops the turn or the queue shuts
	// down.
	Ctx        context.Context
	OnComplete func(response string)
}

// NewRun creates a Run in the Queued state for the given conversation and
// message.
func NewRun(conversationID types.ConversationID, msg *types.InboundMessage) *Run {
	return &Run{
		ID:             types.NewTurnID(),
		ConversationID: conversationID,
		Message:        msg,
		Status:         RunStatusQueued,
		Attempts:       0,
		CreatedAt:      time.Now(),
	}
}
