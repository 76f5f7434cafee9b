// Package delivery routes approval notifications to the channel a
// conversation arrived on.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/turnlog/internal/approval"
	"github.com/user/turnlog/internal/types"
)

// Lookup resolves a conversation id to its record.
type Lookup interface {
	Get(ctx context.Context, id types.ConversationID) (*types.Conversation, error)
}

// Registry is an approval.Notifier that picks a channel notifier by the
// conversation key prefix (e.g. "telegram:", "http:"). The longest matching
// prefix wins; the empty prefix acts as a catch-all.
type Registry struct {
	conversations Lookup

	mu       sync.RWMutex
	handlers map[string]approval.Notifier
}

// NewRegistry creates an empty delivery registry.
func NewRegistry(conversations Lookup) *Registry {
	return &Registry{
		conversations: conversations,
		handlers:      make(map[string]approval.Notifier),
	}
}

// Register adds a notifier for conversation keys starting with prefix.
func (r *Registry) Register(prefix string, n approval.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = n
}

// NotifyApproval finds the notifier for the request's conversation and calls
// it. It fails when no notifier matches, which denies the request.
func (r *Registry) NotifyApproval(ctx context.Context, req *types.ApprovalRequest) error {
	conv, err := r.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("route approval %s: %w", req.ID, err)
	}
	n, ok := r.match(string(conv.Key))
	if !ok {
		return fmt.Errorf("no delivery handler for conversation key: %s", conv.Key)
	}
	return n.NotifyApproval(ctx, req)
}

func (r *Registry) match(key string) (approval.Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  approval.Notifier
		found bool
		width = -1
	)
	for prefix, n := range r.handlers {
		if strings.HasPrefix(key, prefix) && len(prefix) > width {
			best, found, width = n, true, len(prefix)
		}
	}
	return best, found
}
