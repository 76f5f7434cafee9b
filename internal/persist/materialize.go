package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/turnlog/internal/types"
)

// Read-model roles and message types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"

	TypeText           = "text"
	TypeThinking       = "thinking"
	TypeToolUse        = "tool_use"
	TypeToolResult     = "tool_result"
	TypeApprovalReq    = "approval_request"
	TypeApprovalResult = "approval_result"
	TypeError          = "error"
	TypeCancelled      = "cancelled"
)

// Materialize derives the read-model row for ev. Events without a row
// (session boundaries) return nil. The result depends only on the event, so
// live processing and replay produce identical rows.
func Materialize(ev *types.Event) (*types.Message, error) {
	p, err := ev.Decode()
	if err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:             types.MessageIDFor(ev.ID),
		ConversationID: ev.ConversationID,
		Seq:            ev.Seq,
		EventID:        ev.ID,
		CreatedAt:      ev.At,
	}
	var meta any

	switch p := p.(type) {
	case *types.UserMessagePayload:
		msg.Role, msg.MessageType, msg.Content = RoleUser, TypeText, p.Text
	case *types.ReasoningPayload:
		msg.Role, msg.MessageType, msg.Content = RoleAssistant, TypeThinking, p.Content
	case *types.MessageSentPayload:
		msg.Role, msg.MessageType, msg.Content = RoleAssistant, TypeText, p.Content
		meta = map[string]any{
			"stop_reason":   p.StopReason,
			"input_tokens":  p.InputTokens,
			"output_tokens": p.OutputTokens,
			"model":         p.Model,
		}
	case *types.ToolRequestedPayload:
		msg.Role, msg.MessageType, msg.Content = RoleAssistant, TypeToolUse, p.ToolName
		meta = map[string]any{"tool_use_id": p.ToolUseID, "input": p.Input}
	case *types.ToolCompletedPayload:
		msg.Role, msg.MessageType = RoleTool, TypeToolResult
		msg.Content = p.Result
		if !p.Success {
			msg.Content = p.Error
		}
		meta = map[string]any{"tool_use_id": p.ToolUseID, "tool_name": p.ToolName, "success": p.Success}
	case *types.ApprovalRequestedPayload:
		msg.Role, msg.MessageType, msg.Content = RoleSystem, TypeApprovalReq, p.ToolName
		meta = map[string]any{"approval_id": p.ApprovalID, "priority": p.Priority, "expires_at": p.ExpiresAt}
	case *types.ApprovalCompletedPayload:
		msg.Role, msg.MessageType, msg.Content = RoleSystem, TypeApprovalResult, string(p.Status)
		meta = map[string]any{"approval_id": p.ApprovalID, "decided_by": p.DecidedBy}
	case *types.ErrorPayload:
		msg.Role, msg.MessageType, msg.Content = RoleAssistant, TypeError, p.Message
		meta = map[string]any{"code": p.Code}
	case *types.TurnCancelledPayload:
		msg.Role, msg.MessageType, msg.Content = RoleAssistant, TypeCancelled, p.PartialContent
		meta = map[string]any{"reason": p.Reason, "partial_reasoning": p.PartialReasoning}
	default:
		return nil, nil
	}

	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		msg.Metadata = data
	}
	return msg, nil
}

type processedMarker interface {
	MarkProcessed(ctx context.Context, id types.EventID) error
}

// Materializer writes read-model rows and flags their events as processed.
type Materializer struct {
	messages types.MessageStore
	events   processedMarker
}

// NewMaterializer creates a Materializer.
func NewMaterializer(messages types.MessageStore, events processedMarker) *Materializer {
	return &Materializer{messages: messages, events: events}
}

// Apply materializes one event. It is idempotent.
func (m *Materializer) Apply(ctx context.Context, ev *types.Event) error {
	msg, err := Materialize(ev)
	if err != nil {
		return fmt.Errorf("materialize event %s: %w", ev.ID, err)
	}
	if msg != nil {
		if err := m.messages.Upsert(ctx, msg); err != nil {
			return err
		}
	}
	return m.events.MarkProcessed(ctx, ev.ID)
}

// Handle adapts Apply to the queue's Handler signature.
func (m *Materializer) Handle(ctx context.Context, job *Job) error {
	return m.Apply(ctx, job.Event)
}
