// Package webhook exposes the HTTP API: inbound messages, stop requests,
// approval decisions, event and message history, and a live notification
// stream over server-sent events.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/notify"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/types"
)

const (
	defaultWaitTimeout = 5 * time.Minute
	keepAliveInterval  = 15 * time.Second
)

// Turns accepts inbound messages and stops running turns.
type Turns interface {
	HandleInbound(ctx context.Context, msg *types.InboundMessage, opts ...gateway.RunOption) (*gateway.Run, error)
	Cancel(id types.ConversationID) bool
}

// Responder records approval decisions.
type Responder interface {
	Respond(ctx context.Context, id types.ApprovalID, approved bool, decidedBy string) bool
}

// PendingApprovals lists and fetches approval rows.
type PendingApprovals interface {
	Get(ctx context.Context, id types.ApprovalID) (*types.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]*types.ApprovalRequest, error)
}

// DeadLetters exposes jobs that exhausted their retries.
type DeadLetters interface {
	DeadJobs() []persist.Job
	RetryDead(id types.JobID) error
}

// Stream serves live notifications with replay from a cursor.
type Stream interface {
	EventsAfter(conv types.ConversationID, cursor int64) ([]notify.Notification, error)
	Subscribe(conv types.ConversationID) (<-chan notify.Notification, func())
}

// Options wires the server to the rest of the process. Nil collaborators
// disable the routes that need them.
type Options struct {
	Turns         Turns
	Responder     Responder
	Approvals     PendingApprovals
	Conversations types.ConversationStore
	Events        types.EventStore
	Messages      types.MessageStore
	DeadLetters   DeadLetters
	Stream        Stream
	// Token, when set, is required as a bearer token on /api/ routes.
	Token string
	// WaitTimeout bounds how long a message request with wait=true blocks.
	WaitTimeout time.Duration
}

// Server is the HTTP handler for the API.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// NewServer creates a Server with every route registered.
func NewServer(opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/messages", s.auth(s.handleMessage))
	s.mux.HandleFunc("GET /api/conversations", s.auth(s.handleConversations))
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.auth(s.handlePurge))
	s.mux.HandleFunc("POST /api/conversations/{id}/stop", s.auth(s.handleStop))
	s.mux.HandleFunc("GET /api/conversations/{id}/events", s.auth(s.handleEvents))
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.auth(s.handleMessages))
	s.mux.HandleFunc("GET /api/conversations/{id}/stream", s.auth(s.handleStream))
	s.mux.HandleFunc("GET /api/approvals", s.auth(s.handleApprovals))
	s.mux.HandleFunc("POST /api/approvals/{id}", s.auth(s.handleDecision))
	s.mux.HandleFunc("GET /api/jobs/dead", s.auth(s.handleDeadJobs))
	s.mux.HandleFunc("POST /api/jobs/dead/{id}/retry", s.auth(s.handleRetryJob))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageRequest is the JSON body for POST /api/messages.
type messageRequest struct {
	ConversationKey string `json:"conversation_key"`
	UserID          string `json:"user_id"`
	Text            string `json:"text"`
	// Wait blocks until the turn produces its final response.
	Wait bool `json:"wait"`
}

type messageResponse struct {
	TurnID         types.TurnID         `json:"turn_id"`
	ConversationID types.ConversationID `json:"conversation_id"`
	Response       string               `json:"response,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Turns == nil {
		writeError(w, http.StatusServiceUnavailable, "turns not configured")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Text) == "" || req.ConversationKey == "" {
		writeError(w, http.StatusBadRequest, "text and conversation_key are required")
		return
	}

	done := make(chan string, 1)
	var opts []gateway.RunOption
	if req.Wait {
		opts = append(opts, gateway.WithOnComplete(func(resp string) { done <- resp }))
	}
	run, err := s.opts.Turns.HandleInbound(r.Context(), &types.InboundMessage{
		Source: "http",
		Key:    types.NewConversationKey("http", req.ConversationKey),
		UserID: req.UserID,
		Text:   req.Text,
	}, opts...)
	if err != nil {
		slog.Error("handle inbound", "conversation_key", req.ConversationKey, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := messageResponse{TurnID: run.ID, ConversationID: run.ConversationID}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	timer := time.NewTimer(s.opts.WaitTimeout)
	defer timer.Stop()
	select {
	case resp.Response = <-done:
		writeJSON(w, http.StatusOK, resp)
	case <-timer.C:
		writeJSON(w, http.StatusAccepted, resp)
	case <-r.Context().Done():
	}
}

type conversationResponse struct {
	*types.Conversation
	EventCount int64 `json:"event_count"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Conversations == nil || s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	ctx := r.Context()
	convs, err := s.opts.Conversations.List(ctx)
	if err != nil {
		slog.Error("list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		count, err := s.opts.Events.Count(ctx, c.ID)
		if err != nil {
			slog.Warn("count events", "conversation_id", string(c.ID), "error", err)
		}
		result = append(result, conversationResponse{Conversation: c, EventCount: count})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.opts.Turns == nil {
		writeError(w, http.StatusServiceUnavailable, "turns not configured")
		return
	}
	id := types.ConversationID(r.PathValue("id"))
	stopped := s.opts.Turns.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// handlePurge stops any running turn, then deletes the conversation and drops
// its notification history.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if s.opts.Conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	id := types.ConversationID(r.PathValue("id"))
	if _, err := s.opts.Conversations.Get(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.opts.Turns != nil {
		s.opts.Turns.Cancel(id)
	}
	if err := s.opts.Conversations.Purge(r.Context(), id); err != nil {
		slog.Error("purge conversation", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if f, ok := s.opts.Stream.(interface{ Forget(types.ConversationID) }); ok {
		f.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	from, err1 := queryInt(r, "from")
	to, err2 := queryInt(r, "to")
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := types.ConversationID(r.PathValue("id"))
	events, err := s.opts.Events.List(r.Context(), id, from, to)
	if err != nil {
		slog.Error("list events", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.opts.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	id := types.ConversationID(r.PathValue("id"))
	msgs, err := s.opts.Messages.List(r.Context(), id)
	if err != nil {
		slog.Error("list messages", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleStream replays buffered notifications after the cursor given by
// ?after= or Last-Event-ID, then follows live ones until the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	cursorParam := r.URL.Query().Get("after")
	if cursorParam == "" {
		cursorParam = r.Header.Get("Last-Event-ID")
	}
	var cursor int64
	if cursorParam != "" {
		n, err := strconv.ParseInt(cursorParam, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = n
	}

	id := types.ConversationID(r.PathValue("id"))
	// Subscribe before reading the backlog so nothing published in between
	// is missed; duplicates are filtered by id.
	live, unsubscribe := s.opts.Stream.Subscribe(id)
	defer unsubscribe()

	backlog, err := s.opts.Stream.EventsAfter(id, cursor)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, notify.ErrCursorExpired) {
			status = http.StatusGone
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := cursor
	for _, n := range backlog {
		if err := writeEvent(w, n); err != nil {
			return
		}
		last = n.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-live:
			if !ok {
				return
			}
			if n.ID <= last {
				continue
			}
			if err := writeEvent(w, n); err != nil {
				return
			}
			last = n.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.ID, n.Type, data)
	return err
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.opts.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals not configured")
		return
	}
	pending, err := s.opts.Approvals.ListPending(r.Context())
	if err != nil {
		slog.Error("list approvals", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if pending == nil {
		pending = []*types.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// decisionRequest is the JSON body for POST /api/approvals/{id}.
type decisionRequest struct {
	Approved  *bool  `json:"approved"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.opts.Responder == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals not configured")
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "http"
	}

	id := types.ApprovalID(r.PathValue("id"))
	if !s.opts.Responder.Respond(r.Context(), id, *req.Approved, decidedBy) {
		writeError(w, http.StatusConflict, "approval is not pending")
		return
	}
	if s.opts.Approvals != nil {
		if row, err := s.opts.Approvals.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, row)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": *req.Approved})
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.DeadLetters.DeadJobs())
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	id := types.JobID(r.PathValue("id"))
	if err := s.opts.DeadLetters.RetryDead(id); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, persist.ErrJobNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"retried": string(id)})
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
