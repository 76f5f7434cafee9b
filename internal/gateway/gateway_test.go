package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
)

func newTestGateway(t *testing.T) (*Gateway, *state.ConversationStore) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "turnlog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	conversations := state.NewConversationStore(db)
	gw := New(conversations)
	gw.Queue.SetProcessor(func(*Run) error { return nil })
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	return gw, conversations
}

func TestGatewayHandleInbound(t *testing.T) {
	gw, conversations := newTestGateway(t)
	ctx := context.Background()

	inbound := &types.InboundMessage{
		Source: "test",
		Key:    types.NewConversationKey("test", "123"),
		UserID: "user1",
		Text:   "hello",
	}

	run, err := gw.HandleInbound(ctx, inbound)
	if err != nil {
		t.Fatal(err)
	}
	if run.ID == "" || run.ConversationID == "" {
		t.Errorf("expected ids on run, got %+v", run)
	}

	list, err := conversations.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(list))
	}
}

func TestGatewaySameKey(t *testing.T) {
	gw, conversations := newTestGateway(t)
	ctx := context.Background()

	// Two messages with the same key resolve to one conversation
	var ids []types.ConversationID
	for i := 0; i < 2; i++ {
		run, err := gw.HandleInbound(ctx, &types.InboundMessage{
			Source: "test",
			Key:    types.NewConversationKey("test", "same-key"),
			Text:   "msg",
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ConversationID)
	}
	if ids[0] != ids[1] {
		t.Errorf("expected same conversation, got %s and %s", ids[0], ids[1])
	}

	list, err := conversations.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 conversation (same key), got %d", len(list))
	}
}

func TestGatewayDifferentConversations(t *testing.T) {
	gw, conversations := newTestGateway(t)
	ctx := context.Background()

	for _, key := range []string{"conversation-a", "conversation-b"} {
		if _, err := gw.HandleInbound(ctx, &types.InboundMessage{
			Source: "test",
			Key:    types.NewConversationKey("test", key),
			Text:   "hello",
		}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := conversations.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 conversations, got %d", len(list))
	}
}

func TestGatewayRejectsEmptyText(t *testing.T) {
	gw, _ := newTestGateway(t)
	if _, err := gw.HandleInbound(context.Background(), &types.InboundMessage{Key: "k", Text: "  "}); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestGatewayCancelIdle(t *testing.T) {
	gw, _ := newTestGateway(t)
	if gw.Cancel("nobody") {
		t.Error("expected false for a conversation with no running turn")
	}
	gw.Queue.WaitIdle(time.Second)
}
