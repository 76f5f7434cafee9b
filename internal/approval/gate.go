// Package approval suspends write-type tool calls until a human decides or
// the request expires.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/turnlog/internal/types"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultPriority = "normal"

	DecidedByTimeout      = "system:timeout"
	DecidedByNotifyFailed = "system:notify_failed"
	DecidedByShutdown     = "system:shutdown"
	DecidedBySweep        = "system:sweep"
	DecidedByCancelled    = "system:turn_cancelled"
)

// ErrDenied marks a tool call that was not approved.
var ErrDenied = errors.New("approval denied")

// Notifier pushes a pending request to whoever decides on it.
type Notifier interface {
	NotifyApproval(ctx context.Context, req *types.ApprovalRequest) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req *types.ApprovalRequest) error

func (f NotifierFunc) NotifyApproval(ctx context.Context, req *types.ApprovalRequest) error {
	return f(ctx, req)
}

// Params describes a tool call awaiting approval.
type Params struct {
	ConversationID types.ConversationID
	ToolName       string
	Args           json.RawMessage
	Priority       string
	TTL            time.Duration
}

// Decision is the terminal outcome of a request.
type Decision struct {
	Approved  bool
	Status    types.ApprovalStatus
	DecidedBy string
}

// Pending is the caller's side of an outstanding request.
type Pending struct {
	Request *types.ApprovalRequest
	done    <-chan Decision
}

// Wait blocks until the request is decided or ctx is done. A cancelled wait
// leaves the request to its timer.
func (p *Pending) Wait(ctx context.Context) (Decision, error) {
	select {
	case d := <-p.done:
		return d, nil
	case <-ctx.Done():
		return Decision{Status: types.ApprovalRejected}, ctx.Err()
	}
}

type handle struct {
	req   *types.ApprovalRequest
	timer *time.Timer
	done  chan Decision
}

// Gate tracks pending approvals. Each request is resolved exactly once: the
// timer, Respond and Close all claim the handle by removing it from the map
// before acting, and whoever finds it missing does nothing.
type Gate struct {
	store      types.ApprovalStore
	notifier   Notifier
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	handles map[types.ApprovalID]*handle
}

// NewGate creates a Gate. notifier may be nil, in which case requests wait
// for Respond or expiry without an outbound push.
func NewGate(store types.ApprovalStore, notifier Notifier, defaultTTL time.Duration) *Gate {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Gate{
		store:      store,
		notifier:   notifier,
		defaultTTL: defaultTTL,
		now:        time.Now,
		handles:    make(map[types.ApprovalID]*handle),
	}
}

// Request persists a pending approval, arms its expiry timer and notifies
// the decision-maker. A notification failure resolves the request as
// rejected; the returned Pending then yields that denial.
func (g *Gate) Request(ctx context.Context, p Params) (*Pending, error) {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	priority := p.Priority
	if priority == "" {
		priority = DefaultPriority
	}
	now := g.now()
	req := &types.ApprovalRequest{
		ID:             types.NewApprovalID(),
		ConversationID: p.ConversationID,
		ToolName:       p.ToolName,
		Args:           p.Args,
		Status:         types.ApprovalPending,
		Priority:       priority,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := g.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	h := &handle{req: req, done: make(chan Decision, 1)}
	g.mu.Lock()
	g.handles[req.ID] = h
	h.timer = time.AfterFunc(ttl, func() {
		g.resolve(context.Background(), req.ID, types.ApprovalExpired, DecidedByTimeout)
	})
	g.mu.Unlock()

	slog.Info("approval requested",
		"approval_id", string(req.ID), "conversation_id", string(req.ConversationID),
		"tool", req.ToolName, "priority", priority, "expires_at", req.ExpiresAt)

	if g.notifier != nil {
		if err := g.notifier.NotifyApproval(ctx, req); err != nil {
			slog.Warn("approval notification failed, denying",
				"approval_id", string(req.ID), "error", err)
			g.resolve(ctx, req.ID, types.ApprovalRejected, DecidedByNotifyFailed)
		}
	}
	return &Pending{Request: req, done: h.done}, nil
}

// Respond records a human decision. It reports whether this call resolved
// the request; an unknown or already-resolved id is a logged no-op.
func (g *Gate) Respond(ctx context.Context, id types.ApprovalID, approved bool, decidedBy string) bool {
	status := types.ApprovalRejected
	if approved {
		status = types.ApprovalApproved
	}
	if !g.resolve(ctx, id, status, decidedBy) {
		slog.Warn("approval response ignored, request not pending",
			"approval_id", string(id), "decided_by", decidedBy)
		return false
	}
	return true
}

// resolve claims the handle and completes it. It returns false if another
// resolver got there first.
func (g *Gate) resolve(ctx context.Context, id types.ApprovalID, status types.ApprovalStatus, decidedBy string) bool {
	g.mu.Lock()
	h, ok := g.handles[id]
	if ok {
		delete(g.handles, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}

	if _, err := g.store.Resolve(ctx, id, status, decidedBy, g.now()); err != nil {
		slog.Error("persist approval decision", "approval_id", string(id), "status", string(status), "error", err)
	}
	h.done <- Decision{Approved: status == types.ApprovalApproved, Status: status, DecidedBy: decidedBy}

	slog.Info("approval resolved",
		"approval_id", string(id), "conversation_id", string(h.req.ConversationID),
		"status", string(status), "decided_by", decidedBy)
	return true
}

// Outstanding returns the number of requests still waiting.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// Close expires every outstanding request.
func (g *Gate) Close(ctx context.Context) {
	g.mu.Lock()
	ids := make([]types.ApprovalID, 0, len(g.handles))
	for id := range g.handles {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.resolve(ctx, id, types.ApprovalExpired, DecidedByShutdown)
	}
}

// SweepExpired expires pending rows that no live handle owns, such as those
// left behind by a previous process, once their deadline has passed.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep approvals: %w", err)
	}
	now := g.now()
	n := 0
	for _, req := range pending {
		g.mu.Lock()
		_, live := g.handles[req.ID]
		g.mu.Unlock()
		if live || req.ExpiresAt.After(now) {
			continue
		}
		ok, err := g.store.Resolve(ctx, req.ID, types.ApprovalExpired, DecidedBySweep, now)
		if err != nil {
			return n, fmt.Errorf("sweep approval %s: %w", req.ID, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}
