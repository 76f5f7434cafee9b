package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is implemented by every typed event body. The set is closed: each
// EventType has exactly one payload struct.
type Payload interface {
	EventType() EventType
}

type UserMessagePayload struct {
	TurnID TurnID `json:"turn_id,omitempty"`
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

// ReasoningPayload carries the full reasoning text of a turn once it is
// finalized.
type ReasoningPayload struct {
	TurnID  TurnID `json:"turn_id,omitempty"`
	Content string `json:"content"`
}

type MessageSentPayload struct {
	TurnID       TurnID `json:"turn_id,omitempty"`
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Model        string `json:"model,omitempty"`
}

type ToolRequestedPayload struct {
	TurnID    TurnID          `json:"turn_id,omitempty"`
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type ToolCompletedPayload struct {
	TurnID    TurnID `json:"turn_id,omitempty"`
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Success   bool   `json:"success"`
}

type ApprovalRequestedPayload struct {
	ApprovalID ApprovalID      `json:"approval_id"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Priority   string          `json:"priority"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type ApprovalCompletedPayload struct {
	ApprovalID ApprovalID     `json:"approval_id"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	Status     ApprovalStatus `json:"status"`
	DecidedBy  string         `json:"decided_by,omitempty"`
}

type SessionStartedPayload struct {
	TurnID TurnID `json:"turn_id"`
	Model  string `json:"model,omitempty"`
}

type SessionEndedPayload struct {
	TurnID     TurnID `json:"turn_id"`
	StopReason string `json:"stop_reason"`
	Rounds     int    `json:"rounds"`
}

type ErrorPayload struct {
	TurnID  TurnID `json:"turn_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TurnCancelledPayload marks a turn stopped by the client before the provider
// finished. Partial fields hold what had streamed so far.
type TurnCancelledPayload struct {
	TurnID           TurnID `json:"turn_id"`
	Reason           string `json:"reason"`
	PartialContent   string `json:"partial_content,omitempty"`
	PartialReasoning string `json:"partial_reasoning,omitempty"`
}

func (UserMessagePayload) EventType() EventType       { return EventUserMessage }
func (ReasoningPayload) EventType() EventType         { return EventReasoningStarted }
func (MessageSentPayload) EventType() EventType       { return EventMessageSent }
func (ToolRequestedPayload) EventType() EventType     { return EventToolRequested }
func (ToolCompletedPayload) EventType() EventType     { return EventToolCompleted }
func (ApprovalRequestedPayload) EventType() EventType { return EventApprovalRequested }
func (ApprovalCompletedPayload) EventType() EventType { return EventApprovalCompleted }
func (SessionStartedPayload) EventType() EventType    { return EventSessionStarted }
func (SessionEndedPayload) EventType() EventType      { return EventSessionEnded }
func (ErrorPayload) EventType() EventType             { return EventError }
func (TurnCancelledPayload) EventType() EventType     { return EventTurnCancelled }

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) (EventType, json.RawMessage, error) {
	if p == nil {
		return "", nil, fmt.Errorf("encode payload: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return p.EventType(), data, nil
}

// DecodePayload parses a stored payload back into its typed struct.
func DecodePayload(t EventType, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventUserMessage:
		p = &UserMessagePayload{}
	case EventReasoningStarted:
		p = &ReasoningPayload{}
	case EventMessageSent:
		p = &MessageSentPayload{}
	case EventToolRequested:
		p = &ToolRequestedPayload{}
	case EventToolCompleted:
		p = &ToolCompletedPayload{}
	case EventApprovalRequested:
		p = &ApprovalRequestedPayload{}
	case EventApprovalCompleted:
		p = &ApprovalCompletedPayload{}
	case EventSessionStarted:
		p = &SessionStartedPayload{}
	case EventSessionEnded:
		p = &SessionEndedPayload{}
	case EventError:
		p = &ErrorPayload{}
	case EventTurnCancelled:
		p = &TurnCancelledPayload{}
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", t)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return p, nil
}
