// Package notify fans live turn notifications out to transport subscribers
// and keeps a short per-conversation history for reconnecting clients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/turnlog/internal/types"
)

const (
	DefaultHistoryLimit = 64
	subscriberBuffer    = 64
)

// Notification types beyond the stream event kinds.
const (
	TypeToolResult        = "tool_result"
	TypeApprovalRequested = "approval_requested"
	TypeApprovalResolved  = "approval_resolved"
	TypeTurnCancelled     = "turn_cancelled"
	TypeError             = "error"
)

var (
	ErrCursorInvalid = errors.New("notification cursor is invalid")
	ErrCursorExpired = errors.New("notification cursor expired")
)

// Notification is one live message to the transport layer. It is not
// durable; the event log is.
type Notification struct {
	ID             int64                `json:"id"`
	ConversationID types.ConversationID `json:"conversation_id"`
	TurnID         types.TurnID         `json:"turn_id,omitempty"`
	Type           string               `json:"type"`
	Data           json.RawMessage      `json:"data"`
	At             time.Time            `json:"at"`
}

// Sink receives notifications.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

// New builds a Notification, encoding data as JSON.
func New(conv types.ConversationID, turn types.TurnID, typ string, data any) (Notification, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Notification{}, fmt.Errorf("encode %s notification: %w", typ, err)
	}
	return Notification{ConversationID: conv, TurnID: turn, Type: typ, Data: raw, At: time.Now()}, nil
}

// Broker is an in-memory Sink with bounded history and live subscribers.
// Slow subscribers lose notifications rather than block the turn.
type Broker struct {
	mu           sync.RWMutex
	historyLimit int
	convs        map[types.ConversationID]*history
}

type history struct {
	nextID  int64
	events  []Notification
	subs    map[int]chan Notification
	nextSub int
}

var _ Sink = (*Broker)(nil)

func NewBroker(historyLimit int) *Broker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Broker{
		historyLimit: historyLimit,
		convs:        make(map[types.ConversationID]*history),
	}
}

func (b *Broker) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ConversationID == "" {
		return fmt.Errorf("publish %s: conversation id is required", n.Type)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.historyLocked(n.ConversationID)
	n.ID = h.nextID
	h.nextID++
	h.events = append(h.events, n)
	if len(h.events) > b.historyLimit {
		drop := len(h.events) - b.historyLimit
		h.events = h.events[drop:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// EventsAfter returns buffered notifications with id greater than cursor.
func (b *Broker) EventsAfter(conv types.ConversationID, cursor int64) ([]Notification, error) {
	if cursor < 0 {
		return nil, fmt.Errorf("%w: cursor must be non-negative", ErrCursorInvalid)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	h, ok := b.convs[conv]
	if !ok {
		if cursor == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no notifications for conversation %q", ErrCursorInvalid, conv)
	}
	if cursor >= h.nextID {
		return nil, fmt.Errorf("%w: cursor=%d is beyond latest id=%d", ErrCursorInvalid, cursor, h.nextID-1)
	}
	if len(h.events) > 0 {
		oldest := h.events[0].ID - 1
		if cursor < oldest {
			return nil, fmt.Errorf("%w: cursor=%d oldest_available=%d", ErrCursorExpired, cursor, oldest)
		}
	}

	start := 0
	for start < len(h.events) && h.events[start].ID <= cursor {
		start++
	}
	out := make([]Notification, len(h.events)-start)
	copy(out, h.events[start:])
	return out, nil
}

// Subscribe streams future notifications for conv until cancel is called.
func (b *Broker) Subscribe(conv types.ConversationID) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.historyLocked(conv)
	id := h.nextSub
	h.nextSub++
	ch := make(chan Notification, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Forget drops history for a purged conversation. Subscribers are closed.
func (b *Broker) Forget(conv types.ConversationID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.convs[conv]
	if !ok {
		return
	}
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	delete(b.convs, conv)
}

func (b *Broker) historyLocked(conv types.ConversationID) *history {
	h, ok := b.convs[conv]
	if ok {
		return h
	}
	h = &history{
		nextID: 1,
		events: make([]Notification, 0, b.historyLimit),
		subs:   make(map[int]chan Notification),
	}
	b.convs[conv] = h
	return h
}
