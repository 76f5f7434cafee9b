package types

import (
	"testing"
)

func TestNewConversationID(t *testing.T) {
	id := NewConversationID()
	if id == "" {
		t.Error("expected non-empty ConversationID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestNewEventIDSortable(t *testing.T) {
	a := NewEventID()
	b := NewEventID()
	if len(string(a)) != 26 {
		t.Errorf("expected ULID format, got %s", a)
	}
	if a == b {
		t.Error("expected distinct event ids")
	}
	if string(a) > string(b) {
		t.Errorf("expected %s <= %s", a, b)
	}
}

func TestMessageIDForStable(t *testing.T) {
	id := NewEventID()
	if MessageIDFor(id) != MessageIDFor(id) {
		t.Error("expected derived message id to be stable")
	}
}

func TestConversationKeyFormat(t *testing.T) {
	key := NewConversationKey("telegram", "123", "456")
	expected := ConversationKey("telegram:123:456")
	if key != expected {
		t.Errorf("expected %s, got %s", expected, key)
	}
}
