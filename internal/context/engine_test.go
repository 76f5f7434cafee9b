package context

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/user/turnlog/internal/types"
)

func event(t *testing.T, seq int64, p types.Payload) *types.Event {
	t.Helper()
	typ, data, err := types.EncodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	return &types.Event{
		ID:             types.NewEventID(),
		ConversationID: "test-conversation",
		Type:           typ,
		Seq:            seq,
		At:             time.Now(),
		Payload:        data,
	}
}

func TestNewEngine(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestBuildPromptBasic(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	events := []*types.Event{
		event(t, 1, types.UserMessagePayload{Text: "hello"}),
		event(t, 2, types.SessionStartedPayload{TurnID: "t"}),
		event(t, 3, types.ReasoningPayload{Content: "greet back"}),
		event(t, 4, types.MessageSentPayload{Content: "hi there", StopReason: "end_turn"}),
	}

	messages, err := e.BuildPrompt(context.Background(), "test-conversation", events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// system + user + assistant; bookkeeping events are skipped
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("expected system message first, got %q", messages[0].Role)
	}
	if !strings.Contains(messages[0].Content, "test-conversation") {
		t.Error("expected conversation id in system prompt")
	}
	if messages[1].Role != "user" || messages[1].Content != "hello" {
		t.Errorf("unexpected user message %+v", messages[1])
	}
	if messages[2].Role != "assistant" || messages[2].Content != "hi there" {
		t.Errorf("unexpected assistant message %+v", messages[2])
	}
}

func TestBuildPromptToolCallEvents(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	events := []*types.Event{
		event(t, 1, types.UserMessagePayload{Text: "book two rooms"}),
		event(t, 2, types.MessageSentPayload{Content: "checking", StopReason: "tool_use"}),
		event(t, 3, types.ToolRequestedPayload{ToolUseID: "tc1", ToolName: "lookup", Input: []byte(`{"room":1}`)}),
		event(t, 4, types.ToolRequestedPayload{ToolUseID: "tc2", ToolName: "create_booking"}),
		event(t, 5, types.ApprovalRequestedPayload{ApprovalID: "a1", ToolName: "create_booking"}),
		event(t, 6, types.ApprovalCompletedPayload{ApprovalID: "a1", Status: types.ApprovalRejected}),
		event(t, 7, types.ToolCompletedPayload{ToolUseID: "tc1", ToolName: "lookup", Result: "free", Success: true}),
		event(t, 8, types.ToolCompletedPayload{ToolUseID: "tc2", ToolName: "create_booking", Error: "denied"}),
		event(t, 9, types.MessageSentPayload{Content: "room 1 is free", StopReason: "end_turn"}),
	}

	messages, err := e.BuildPrompt(context.Background(), "test-conversation", events, []string{"lookup", "create_booking"}, []string{"create_booking"})
	if err != nil {
		t.Fatal(err)
	}

	// system + user + assistant(content + 2 tool calls) + 2 tool results + assistant
	if len(messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(messages))
	}
	if len(messages[2].Tools) != 2 {
		t.Fatalf("expected 2 tool calls on assistant message, got %d", len(messages[2].Tools))
	}
	if string(messages[2].Tools[1].Function.Arguments) != "{}" {
		t.Errorf("expected empty args to become {}, got %s", messages[2].Tools[1].Function.Arguments)
	}
	if messages[3].ToolCallID != "tc1" || messages[4].Content != "error: denied" {
		t.Errorf("unexpected tool results %+v %+v", messages[3], messages[4])
	}
	if !strings.Contains(messages[0].Content, "need the user's approval") {
		t.Error("expected approval section in system prompt")
	}
}

func TestBuildPromptDropsUnansweredToolCalls(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	events := []*types.Event{
		event(t, 1, types.UserMessagePayload{Text: "delete it"}),
		event(t, 2, types.ToolRequestedPayload{ToolUseID: "tc1", ToolName: "delete_file"}),
		event(t, 3, types.TurnCancelledPayload{Reason: "client_stop"}),
		event(t, 4, types.UserMessagePayload{Text: "never mind"}),
	}

	messages, err := e.BuildPrompt(context.Background(), "c", events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range messages {
		if len(m.Tools) > 0 {
			t.Errorf("expected unanswered tool call to be dropped, got %+v", m)
		}
	}
	if len(messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(messages))
	}
}

func TestBuildPromptBudgetTruncation(t *testing.T) {
	// Tiny budget: only 500 tokens total, 100 reserve
	e, err := New("gpt-4", 500, 100)
	if err != nil {
		t.Fatal(err)
	}

	events := make([]*types.Event, 50)
	for i := range events {
		events[i] = event(t, int64(i+1), types.UserMessagePayload{
			Text: "This is a message that takes up tokens in the context window budget.",
		})
	}
	events[49] = event(t, 50, types.UserMessagePayload{Text: "latest"})

	messages, err := e.BuildPrompt(context.Background(), "c", events, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(messages) >= 51 {
		t.Errorf("expected truncation, got %d messages for 50 events", len(messages))
	}
	if messages[len(messages)-1].Content != "latest" {
		t.Error("expected the most recent message to be kept")
	}
}

func TestEstimateUsage(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	usage := e.EstimateUsage(nil, "hello world")
	if usage.OutputTokens == 0 || usage.InputTokens != 0 {
		t.Errorf("unexpected usage %+v", usage)
	}
	if usage.TotalTokens != usage.OutputTokens {
		t.Errorf("total %d != output %d", usage.TotalTokens, usage.OutputTokens)
	}
}

func TestSetPromptInvalid(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetPrompt("{{.Broken"); err == nil {
		t.Error("expected parse error")
	}
}
