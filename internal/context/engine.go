package context

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm"
)

// maxToolResultChars caps how much of a single tool result is replayed into
// the prompt.
const maxToolResultChars = 2000

// PromptData is the input to the system prompt template.
type PromptData struct {
	Time           string
	ConversationID string
	Tools          []string
	WriteTools     []string
}

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	e := &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}
	if err := e.SetPrompt(DefaultPrompt); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPrompt replaces the system prompt template.
func (e *Engine) SetPrompt(text string) error {
	tmpl, err := template.New("system").Funcs(template.FuncMap{"join": strings.Join}).Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.prompt = tmpl
	return nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// EstimateUsage approximates token usage for providers that do not report
// it: input is the whole prompt, output is the response text.
func (e *Engine) EstimateUsage(messages []llm.Message, output string) llm.Usage {
	in := 0
	for _, m := range messages {
		in += e.messageTokens(m)
	}
	out := e.CountTokens(output)
	return llm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func (e *Engine) messageTokens(m llm.Message) int {
	n := e.CountTokens(m.Content)
	for _, tc := range m.Tools {
		n += e.CountTokens(tc.Function.Name)
		n += e.CountTokens(string(tc.Function.Arguments))
	}
	return n
}

// BuildPrompt assembles a token-budgeted prompt from the conversation's
// event log. The most recent history that fits the budget is kept.
func (e *Engine) BuildPrompt(
	ctx context.Context,
	conversationID types.ConversationID,
	events []*types.Event,
	toolNames []string,
	writeTools []string,
) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	// 1. System prompt
	sysPrompt, err := e.systemPrompt(conversationID, toolNames, writeTools)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.CountTokens(sysPrompt)

	// 80% for history, the rest is safety margin
	historyBudget := int(float64(remaining) * 0.8)

	// 2. Convert events to messages, newest first, respecting budget
	history := eventsToMessages(events)
	start := len(history)
	used := 0
	for start > 0 {
		t := e.messageTokens(history[start-1])
		if used+t > historyBudget {
			break
		}
		used += t
		start--
	}
	history = history[start:]

	// A tool result without its call is rejected by providers.
	for len(history) > 0 && history[0].Role == "tool" {
		history = history[1:]
	}

	// 3. Assemble: system + history (chronological)
	messages := make([]llm.Message, 0, 1+len(history))
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	messages = append(messages, history...)
	return messages, nil
}

func (e *Engine) systemPrompt(id types.ConversationID, toolNames, writeTools []string) (string, error) {
	var b strings.Builder
	err := e.prompt.Execute(&b, PromptData{
		Time:           time.Now().Format(time.RFC3339),
		ConversationID: string(id),
		Tools:          toolNames,
		WriteTools:     writeTools,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}

// eventsToMessages replays the log as chat messages. Tool requests are
// attached to the assistant message of the same round; bookkeeping events
// produce nothing.
func eventsToMessages(events []*types.Event) []llm.Message {
	var out []llm.Message
	lastAssistant := func() *llm.Message {
		if len(out) == 0 || out[len(out)-1].Role != "assistant" {
			return nil
		}
		return &out[len(out)-1]
	}

	for _, ev := range events {
		p, err := ev.Decode()
		if err != nil {
			continue
		}
		switch p := p.(type) {
		case *types.UserMessagePayload:
			out = append(out, llm.Message{Role: "user", Content: p.Text})

		case *types.MessageSentPayload:
			out = append(out, llm.Message{Role: "assistant", Content: p.Content})

		case *types.TurnCancelledPayload:
			if p.PartialContent != "" {
				out = append(out, llm.Message{Role: "assistant", Content: p.PartialContent})
			}

		case *types.ToolRequestedPayload:
			args := p.Input
			if len(args) == 0 {
				args = []byte("{}")
			}
			call := llm.ToolCall{
				ID:       p.ToolUseID,
				Type:     "function",
				Function: llm.FunctionCall{Name: p.ToolName, Arguments: args},
			}
			if m := lastAssistant(); m != nil {
				m.Tools = append(m.Tools, call)
			} else {
				out = append(out, llm.Message{Role: "assistant", Tools: []llm.ToolCall{call}})
			}

		case *types.ToolCompletedPayload:
			content := p.Result
			if !p.Success {
				content = "error: " + p.Error
			}
			if len(content) > maxToolResultChars {
				content = content[:maxToolResultChars] + "\n[truncated]"
			}
			out = append(out, llm.Message{Role: "tool", Content: content, ToolCallID: p.ToolUseID})
		}
	}
	return dropUnanswered(out)
}

// dropUnanswered removes tool calls that never got a result, such as those
// of a cancelled turn.
func dropUnanswered(msgs []llm.Message) []llm.Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == "tool" {
			answered[m.ToolCallID] = true
		}
	}
	out := msgs[:0]
	for _, m := range msgs {
		if len(m.Tools) > 0 {
			kept := m.Tools[:0]
			for _, tc := range m.Tools {
				if answered[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.Tools = kept
			if len(m.Tools) == 0 && m.Content == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
