package stream

import (
	"encoding/json"
	"strings"

	"github.com/user/turnlog/pkg/llm"
)

// State is the normalizer's position within a turn.
type State int

const (
	StateIdle State = iota
	StateReasoning
	// StateTransition is entered on the first content fragment after
	// reasoning, while the finalized reasoning is being emitted.
	StateTransition
	StateContent
	StateToolPending
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReasoning:
		return "reasoning"
	case StateTransition:
		return "reasoning-to-content"
	case StateContent:
		return "content"
	case StateToolPending:
		return "tool-pending"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// toolBlock is an in-progress tool call assembled from start and delta
// fragments.
type toolBlock struct {
	id      string
	name    string
	args    strings.Builder
	dropped bool
}

// Normalizer is a per-turn transducer from provider fragments to turn events.
// It is not safe for concurrent use; create one per provider response and
// discard it afterwards.
type Normalizer struct {
	seen  SeenSet
	state State

	reasoning strings.Builder
	content   strings.Builder
	finalized bool

	// blocks is indexed by the fragment's block index.
	blocks  []*toolBlock
	order   []*toolBlock
	emitted map[string]struct{}

	stopReason string
	usage      llm.Usage
}

// New creates a Normalizer that drops tool calls already present in seen.
// seen may be nil.
func New(seen SeenSet) *Normalizer {
	return &Normalizer{
		seen:    seen,
		emitted: make(map[string]struct{}),
	}
}

// Push consumes one fragment and returns the events it produces, in order.
// Fragments after the turn ended are ignored.
func (n *Normalizer) Push(f llm.Fragment) []Event {
	if n.state == StateTerminal {
		return nil
	}

	switch f.Type {
	case llm.FragmentReasoning:
		if f.Content == "" {
			return nil
		}
		n.reasoning.WriteString(f.Content)
		if n.state == StateIdle {
			n.state = StateReasoning
		}
		return []Event{ReasoningChunk{Content: f.Content, BlockIndex: f.Index}}

	case llm.FragmentContent:
		if f.Content == "" {
			return nil
		}
		var out []Event
		if !n.finalized && n.reasoning.Len() > 0 {
			n.state = StateTransition
			out = append(out, n.finalize())
		}
		n.content.WriteString(f.Content)
		n.state = StateContent
		return append(out, MessageChunk{Content: f.Content, BlockIndex: f.Index})

	case llm.FragmentToolStart:
		return n.startTool(f)

	case llm.FragmentToolDelta:
		if b := n.block(f.Index); b != nil && !b.dropped && f.Tool != nil {
			b.args.WriteString(f.Tool.ArgsDelta)
		}
		return nil

	case llm.FragmentStop:
		if f.StopReason != "" {
			n.stopReason = f.StopReason
		}
		return nil

	case llm.FragmentUsage:
		if f.Usage == nil {
			return nil
		}
		if f.Usage.InputTokens > 0 {
			n.usage.InputTokens = f.Usage.InputTokens
		}
		if f.Usage.OutputTokens > 0 {
			n.usage.OutputTokens = f.Usage.OutputTokens
		}
		return []Event{Usage{InputTokens: f.Usage.InputTokens, OutputTokens: f.Usage.OutputTokens}}
	}
	return nil
}

func (n *Normalizer) startTool(f llm.Fragment) []Event {
	if f.Tool == nil || f.Tool.ID == "" {
		return nil
	}
	id := f.Tool.ID
	_, dup := n.emitted[id]
	if dup || (n.seen != nil && n.seen.Seen(id)) {
		if b := n.block(f.Index); b == nil || b.id != id {
			n.place(f.Index, &toolBlock{id: id, name: f.Tool.Name, dropped: true})
		}
		return nil
	}

	b := &toolBlock{id: id, name: f.Tool.Name}
	b.args.WriteString(f.Tool.ArgsDelta)
	n.place(f.Index, b)
	n.emitted[id] = struct{}{}
	n.order = append(n.order, b)
	n.state = StateToolPending

	ev := ToolExecution{ToolUseID: id, ToolName: b.name, BlockIndex: f.Index}
	if args := b.args.String(); args != "" && json.Valid([]byte(args)) {
		ev.Input = json.RawMessage(args)
	}
	return []Event{ev}
}

// Finish ends the turn and returns the closing events.
func (n *Normalizer) Finish() []Event {
	if n.state == StateTerminal {
		return nil
	}
	var out []Event
	if !n.finalized && n.reasoning.Len() > 0 {
		out = append(out, n.finalize())
	}
	if n.content.Len() > 0 {
		out = append(out, FinalResponse{Content: n.content.String(), StopReason: n.StopReason()})
	}
	n.state = StateTerminal
	return out
}

func (n *Normalizer) finalize() Event {
	n.finalized = true
	return ReasoningFinalized{Content: n.reasoning.String(), BlockIndex: 0}
}

// place stores b in the arena slot for index, growing the arena as needed.
func (n *Normalizer) place(index int, b *toolBlock) {
	if index < 0 {
		index = 0
	}
	for len(n.blocks) <= index {
		n.blocks = append(n.blocks, nil)
	}
	n.blocks[index] = b
}

func (n *Normalizer) block(index int) *toolBlock {
	if index < 0 || index >= len(n.blocks) {
		return nil
	}
	return n.blocks[index]
}

// ToolCalls returns the assembled, non-duplicate tool calls in the order
// they started. Arguments that never arrived become an empty object.
func (n *Normalizer) ToolCalls() []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(n.order))
	for _, b := range n.order {
		args := b.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, llm.ToolCall{
			ID:   b.id,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      b.name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	return out
}

// StopReason returns the explicit stop reason, or end_turn if none arrived.
func (n *Normalizer) StopReason() string {
	if n.stopReason == "" {
		return llm.StopEndTurn
	}
	return n.stopReason
}

func (n *Normalizer) State() State             { return n.state }
func (n *Normalizer) Reasoning() string        { return n.reasoning.String() }
func (n *Normalizer) Content() string          { return n.content.String() }
func (n *Normalizer) Usage() llm.Usage         { return n.usage }
func (n *Normalizer) ReasoningFinalized() bool { return n.finalized }
