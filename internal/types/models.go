package types

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of event kinds stored in the event log.
type EventType string

const (
	EventUserMessage       EventType = "user_message"
	EventReasoningStarted  EventType = "reasoning_started"
	EventMessageSent       EventType = "message_sent"
	EventToolRequested     EventType = "tool_requested"
	EventToolCompleted     EventType = "tool_completed"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalCompleted EventType = "approval_completed"
	EventSessionStarted    EventType = "session_started"
	EventSessionEnded      EventType = "session_ended"
	EventError             EventType = "error"
	EventTurnCancelled     EventType = "turn_cancelled"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserMessage, EventReasoningStarted, EventMessageSent,
		EventToolRequested, EventToolCompleted, EventApprovalRequested,
		EventApprovalCompleted, EventSessionStarted, EventSessionEnded,
		EventError, EventTurnCancelled:
		return true
	}
	return false
}

// Event is an immutable entry in a conversation's event log.
type Event struct {
	ID             EventID         `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	Type           EventType       `json:"type"`
	Seq            int64           `json:"seq"`
	At             time.Time       `json:"at"`
	Payload        json.RawMessage `json:"payload"`
	Processed      bool            `json:"processed"`
}

// Decode returns the typed payload carried by the event.
func (e *Event) Decode() (Payload, error) {
	return DecodePayload(e.Type, e.Payload)
}

// SequenceReservation is a set of sequence numbers handed out in one call.
type SequenceReservation struct {
	ConversationID ConversationID `json:"conversation_id"`
	Sequences      []int64        `json:"sequences"`
}

// Message is a read-model row materialized from one event.
type Message struct {
	ID             MessageID       `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	Role           string          `json:"role"`
	MessageType    string          `json:"message_type"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Seq            int64           `json:"seq"`
	EventID        EventID         `json:"event_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status is one of the final states.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

type ApprovalRequest struct {
	ID             ApprovalID      `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	ToolName       string          `json:"tool_name"`
	Args           json.RawMessage `json:"args"`
	Status         ApprovalStatus  `json:"status"`
	Priority       string          `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	DecidedBy      string          `json:"decided_by,omitempty"`
}

type Conversation struct {
	ID        ConversationID  `json:"id"`
	Key       ConversationKey `json:"key"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type InboundMessage struct {
	Source string          `json:"source"`
	Key    ConversationKey `json:"conversation_key"`
	UserID string          `json:"user_id"`
	Text   string          `json:"text"`
}
