package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/turnlog/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			// Streams can run long; the turn context bounds them.
			Timeout: 10 * time.Minute,
		},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// chunk is one server-sent event of a streamed completion.
type chunk struct {
	Choices []chunkChoice  `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	Reasoning        string          `json:"reasoning"`
	ToolCalls        []toolCallDelta `json:"tool_calls"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stream sends a streaming chat completion request. Fragments are delivered
// in arrival order; the channel closes after the [DONE] marker or an error.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Fragment, error) {
	reqMessages := make([]requestMessage, len(messages))
	for i, msg := range messages {
		rm := requestMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role != "tool" && len(msg.Tools) > 0 {
			rm.ToolCalls = msg.Tools
		}
		reqMessages[i] = rm
	}

	reqBody := chatRequest{
		Model:         c.config.Model,
		Messages:      reqMessages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	if len(tools) > 0 {
		reqBody.Tools = tools
	}

	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}

	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan llm.Fragment, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		if err := readStream(ctx, resp.Body, ch); err != nil {
			select {
			case ch <- llm.Fragment{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// readStream decodes SSE lines from r and sends fragments on ch.
func readStream(ctx context.Context, r io.Reader, ch chan<- llm.Fragment) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	send := func(f llm.Fragment) error {
		select {
		case ch <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return fmt.Errorf("parsing stream chunk: %w", err)
		}
		for _, f := range fragmentsFor(c, json.RawMessage(data)) {
			if err := send(f); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

// fragmentsFor converts one chunk into fragments: reasoning, content, tool
// calls, finish reason, then usage.
func fragmentsFor(c chunk, raw json.RawMessage) []llm.Fragment {
	var out []llm.Fragment
	for _, ch := range c.Choices {
		if ch.Index != 0 {
			continue
		}
		reasoning := ch.Delta.ReasoningContent
		if reasoning == "" {
			reasoning = ch.Delta.Reasoning
		}
		if reasoning != "" {
			out = append(out, llm.Fragment{Type: llm.FragmentReasoning, Content: reasoning, Raw: raw})
		}
		if ch.Delta.Content != "" {
			out = append(out, llm.Fragment{Type: llm.FragmentContent, Content: ch.Delta.Content, Raw: raw})
		}
		for _, tc := range ch.Delta.ToolCalls {
			f := llm.Fragment{
				Type:  llm.FragmentToolDelta,
				Index: tc.Index,
				Tool:  &llm.ToolFragment{ArgsDelta: tc.Function.Arguments},
				Raw:   raw,
			}
			if tc.ID != "" {
				f.Type = llm.FragmentToolStart
				f.Tool.ID = tc.ID
				f.Tool.Name = tc.Function.Name
			}
			out = append(out, f)
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			out = append(out, llm.Fragment{Type: llm.FragmentStop, StopReason: stopReason(*ch.FinishReason), Raw: raw})
		}
	}
	if c.Usage != nil {
		out = append(out, llm.Fragment{
			Type: llm.FragmentUsage,
			Usage: &llm.Usage{
				InputTokens:  c.Usage.PromptTokens,
				OutputTokens: c.Usage.CompletionTokens,
				TotalTokens:  c.Usage.TotalTokens,
			},
			Raw: raw,
		})
	}
	return out
}

// stopReason maps OpenAI finish reasons onto the provider-neutral set.
func stopReason(finish string) string {
	switch finish {
	case "stop":
		return llm.StopEndTurn
	case "length":
		return llm.StopMaxTokens
	case "tool_calls", "function_call":
		return llm.StopToolUse
	case "content_filter":
		return llm.StopRefusal
	default:
		return finish
	}
}
