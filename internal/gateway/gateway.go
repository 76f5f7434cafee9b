// Package gateway turns inbound messages into agent turns, one at a time per
// conversation.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/turnlog/internal/types"
)

// Gateway orchestrates inbound messages into runs. It resolves (or creates)
// conversations, wraps each message in a Run, and enqueues the run for
// processing.
type Gateway struct {
	conversations types.ConversationStore
	Queue         *Queue
}

// New creates a Gateway wired to the conversation store with the given
// concurrency limit for simultaneous turns.
func New(conversations types.ConversationStore, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		conversations: conversations,
		Queue:         NewQueue(concurrency),
	}
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop cancels running turns and waits for them to finish.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound resolves or creates a conversation for the message, wraps it
// in a Run, and enqueues it for processing.
func (g *Gateway) HandleInbound(ctx context.Context, msg *types.InboundMessage, opts ...RunOption) (*Run, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("handle inbound: empty message")
	}
	conversationID, err := g.conversations.ResolveOrCreate(ctx, msg.Key)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	run := NewRun(conversationID, msg)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel stops the running turn of a conversation.
func (g *Gateway) Cancel(id types.ConversationID) bool {
	return g.Queue.Cancel(id)
}
