// Package stream turns provider fragments for one turn into discrete turn
// events.
package stream

import "encoding/json"

// Kind names a turn event. The values double as notification types.
type Kind string

const (
	KindReasoningChunk     Kind = "reasoning_chunk"
	KindReasoningFinalized Kind = "reasoning_finalized"
	KindMessageChunk       Kind = "message_chunk"
	KindToolExecution      Kind = "tool_execution"
	KindFinalResponse      Kind = "final_response"
	KindUsage              Kind = "usage"
)

// Event is one normalized turn event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	isEvent()
}

type ReasoningChunk struct {
	Content    string `json:"content"`
	BlockIndex int    `json:"blockIndex"`
}

// ReasoningFinalized carries the whole reasoning text of the turn.
type ReasoningFinalized struct {
	Content    string `json:"content"`
	BlockIndex int    `json:"blockIndex"`
}

type MessageChunk struct {
	Content    string `json:"content"`
	BlockIndex int    `json:"blockIndex"`
}

// ToolExecution announces a tool call as soon as it starts. Input holds the
// arguments seen so far when they already form valid JSON, and is nil
// otherwise; the complete call is available from Normalizer.ToolCalls.
type ToolExecution struct {
	ToolUseID  string          `json:"toolUseId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	BlockIndex int             `json:"blockIndex"`
}

type FinalResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stopReason"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (ReasoningChunk) Kind() Kind     { return KindReasoningChunk }
func (ReasoningFinalized) Kind() Kind { return KindReasoningFinalized }
func (MessageChunk) Kind() Kind       { return KindMessageChunk }
func (ToolExecution) Kind() Kind      { return KindToolExecution }
func (FinalResponse) Kind() Kind      { return KindFinalResponse }
func (Usage) Kind() Kind              { return KindUsage }

func (ReasoningChunk) isEvent()     {}
func (ReasoningFinalized) isEvent() {}
func (MessageChunk) isEvent()       {}
func (ToolExecution) isEvent()      {}
func (FinalResponse) isEvent()      {}
func (Usage) isEvent()              {}
