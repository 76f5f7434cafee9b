package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/turnlog/internal/types"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newEvent(conv types.ConversationID, seq int64, text string) *types.Event {
	payload, _ := json.Marshal(types.UserMessagePayload{Text: text})
	return &types.Event{
		ID:             types.NewEventID(),
		ConversationID: conv,
		Type:           types.EventUserMessage,
		Seq:            seq,
		At:             time.Now(),
		Payload:        payload,
	}
}

func TestEventStore(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	conv := types.NewConversationID()

	for _, seq := range []int64{3, 1, 2} {
		if err := store.Insert(ctx, newEvent(conv, seq, "hello")); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.List(ctx, conv, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	ranged, err := store.List(ctx, conv, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 || ranged[0].Seq != 2 {
		t.Errorf("expected only seq 2, got %+v", ranged)
	}

	max, err := store.MaxSequence(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if max != 3 {
		t.Errorf("expected max 3, got %d", max)
	}

	count, err := store.Count(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestEventStoreGapTolerant(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	conv := types.NewConversationID()

	for _, seq := range []int64{10, 2, 7} {
		if err := store.Insert(ctx, newEvent(conv, seq, "x")); err != nil {
			t.Fatal(err)
		}
	}
	events, err := store.List(ctx, conv, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{2, 7, 10}
	for i, ev := range events {
		if ev.Seq != want[i] {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, want[i])
		}
	}
}

func TestEventStoreRejectsUnassignedSequence(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	if err := store.Insert(context.Background(), newEvent(types.NewConversationID(), 0, "x")); err == nil {
		t.Error("expected error for missing sequence number")
	}
}

func TestEventStoreKeepsDuplicateSequences(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	conv := types.NewConversationID()

	if err := store.Insert(ctx, newEvent(conv, 1, "a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, newEvent(conv, 1, "b")); err != nil {
		t.Fatalf("duplicate sequence must be stored, got %v", err)
	}
	count, _ := store.Count(ctx, conv)
	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestEventStoreMarkProcessed(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	conv := types.NewConversationID()

	ev := newEvent(conv, 1, "x")
	ev.At = time.Now().Add(-time.Minute)
	if err := store.Insert(ctx, ev); err != nil {
		t.Fatal(err)
	}

	pending, err := store.Unprocessed(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 unprocessed event, got %d", len(pending))
	}

	for i := 0; i < 2; i++ {
		if err := store.MarkProcessed(ctx, ev.ID); err != nil {
			t.Fatal(err)
		}
	}

	pending, err = store.Unprocessed(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no unprocessed events, got %d", len(pending))
	}
}
