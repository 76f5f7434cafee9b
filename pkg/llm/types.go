package llm

import "encoding/json"

// Message represents a chat message in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Tools      []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall contains the function name and arguments for a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool describes a tool that can be provided to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a callable function including its parameters schema.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FragmentType identifies what a stream fragment carries.
type FragmentType string

const (
	FragmentReasoning FragmentType = "reasoning"
	FragmentContent   FragmentType = "content"
	// FragmentToolStart opens a tool call at Index. Name and ID are set;
	// ArgsDelta may already hold the first piece of the arguments.
	FragmentToolStart FragmentType = "tool_start"
	// FragmentToolDelta appends ArgsDelta to the tool call at Index.
	FragmentToolDelta FragmentType = "tool_delta"
	FragmentStop      FragmentType = "stop"
	FragmentUsage     FragmentType = "usage"
)

// Stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopRefusal      = "refusal"
	StopStopSequence = "stop_sequence"
	StopPauseTurn    = "pause_turn"
)

// ToolFragment is the tool-call part of a fragment.
type ToolFragment struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// Fragment is one provider-neutral piece of a streamed response. A fragment
// with a non-nil Err is the last one on its channel.
type Fragment struct {
	Type       FragmentType    `json:"type"`
	Index      int             `json:"index"`
	Content    string          `json:"content,omitempty"`
	Tool       *ToolFragment   `json:"tool,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Err        error           `json:"-"`
}
