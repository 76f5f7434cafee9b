package state

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/user/turnlog/internal/types"
)

func TestApprovalStoreResolveOnce(t *testing.T) {
	store := NewApprovalStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now()

	req := &types.ApprovalRequest{
		ID:             types.NewApprovalID(),
		ConversationID: types.NewConversationID(),
		ToolName:       "delete_invoice",
		Args:           []byte(`{"id":42}`),
		Priority:       "high",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Minute),
	}
	if err := store.Create(ctx, req); err != nil {
		t.Fatal(err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}
	if pending[0].ToolName != "delete_invoice" {
		t.Errorf("unexpected tool %q", pending[0].ToolName)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, pending[0].Args); err != nil || compact.String() != `{"id":42}` {
		t.Errorf("unexpected args %s", pending[0].Args)
	}

	ok, err := store.Resolve(ctx, req.ID, types.ApprovalApproved, "alice", now)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first transition to succeed")
	}

	ok, err = store.Resolve(ctx, req.ID, types.ApprovalExpired, "system:timeout", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second transition must be rejected")
	}

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.ApprovalApproved || got.DecidedBy != "alice" {
		t.Errorf("unexpected final state %s by %q", got.Status, got.DecidedBy)
	}
	if got.DecidedAt == nil {
		t.Error("expected decided_at to be set")
	}
}

func TestApprovalStoreResolveRequiresTerminal(t *testing.T) {
	store := NewApprovalStore(newTestDB(t))
	if _, err := store.Resolve(context.Background(), types.NewApprovalID(), types.ApprovalPending, "", time.Now()); err == nil {
		t.Error("expected error resolving to a non-terminal status")
	}
}
