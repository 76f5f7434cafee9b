package webhook

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/turnlog/internal/approval"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/notify"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
)

type mockTurns struct {
	mu        sync.Mutex
	last      *types.InboundMessage
	response  string
	cancelled []types.ConversationID
	active    map[types.ConversationID]bool
}

func (m *mockTurns) HandleInbound(_ context.Context, msg *types.InboundMessage, opts ...gateway.RunOption) (*gateway.Run, error) {
	m.mu.Lock()
	m.last = msg
	m.mu.Unlock()
	run := gateway.NewRun("conv-1", msg)
	for _, opt := range opts {
		opt(run)
	}
	if run.OnComplete != nil {
		go run.OnComplete(m.response)
	}
	return run, nil
}

func (m *mockTurns) Cancel(id types.ConversationID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, id)
	return m.active[id]
}

type mockDead struct {
	jobs    []persist.Job
	retried []types.JobID
}

func (m *mockDead) DeadJobs() []persist.Job { return m.jobs }

func (m *mockDead) RetryDead(id types.JobID) error {
	for _, j := range m.jobs {
		if j.ID == id {
			m.retried = append(m.retried, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", persist.ErrJobNotFound, id)
}

func newDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "turnlog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func do(t *testing.T, srv http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(Options{})
	w := do(t, srv, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestPostMessageAccepted(t *testing.T) {
	turns := &mockTurns{}
	srv := NewServer(Options{Turns: turns})

	w := do(t, srv, http.MethodPost, "/api/messages", `{"conversation_key":"client-1","text":"hi","user_id":"u1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body)
	}
	var resp messageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TurnID == "" || resp.ConversationID != "conv-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if turns.last.Key != "http:client-1" || turns.last.Source != "http" || turns.last.UserID != "u1" {
		t.Errorf("unexpected inbound %+v", turns.last)
	}
}

func TestPostMessageWait(t *testing.T) {
	srv := NewServer(Options{Turns: &mockTurns{response: "hello from LLM"}})

	w := do(t, srv, http.MethodPost, "/api/messages", `{"conversation_key":"c","text":"say hi","wait":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp messageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "hello from LLM" {
		t.Errorf("expected 'hello from LLM', got %q", resp.Response)
	}
}

func TestPostMessageMissingFields(t *testing.T) {
	srv := NewServer(Options{Turns: &mockTurns{}})

	for _, body := range []string{`{"text":"hi"}`, `{"conversation_key":"c","text":"  "}`, `not json`} {
		if w := do(t, srv, http.MethodPost, "/api/messages", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	srv := NewServer(Options{Turns: &mockTurns{}, Token: "secret"})

	if w := do(t, srv, http.MethodPost, "/api/conversations/c1/stop", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/conversations/c1/stop", "", "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/conversations/c1/stop", "", "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
	// Health stays open.
	if w := do(t, srv, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("expected open health check, got %d", w.Code)
	}
}

func TestStop(t *testing.T) {
	turns := &mockTurns{active: map[types.ConversationID]bool{"busy": true}}
	srv := NewServer(Options{Turns: turns})

	for id, want := range map[string]bool{"busy": true, "idle": false} {
		w := do(t, srv, http.MethodPost, "/api/conversations/"+id+"/stop", "")
		var resp map[string]bool
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp["stopped"] != want {
			t.Errorf("%s: expected stopped=%v, got %v", id, want, resp["stopped"])
		}
	}
	if len(turns.cancelled) != 2 {
		t.Errorf("expected 2 cancel calls, got %d", len(turns.cancelled))
	}
}

func TestHistoryEndpoints(t *testing.T) {
	db := newDB(t)
	conversations := state.NewConversationStore(db)
	events := state.NewEventStore(db)
	messages := state.NewMessageStore(db)
	ctx := context.Background()

	conv, err := conversations.ResolveOrCreate(ctx, "http:history")
	if err != nil {
		t.Fatal(err)
	}
	for seq := int64(1); seq <= 3; seq++ {
		payload, _ := json.Marshal(types.UserMessagePayload{Text: fmt.Sprintf("m%d", seq)})
		ev := &types.Event{
			ID: types.NewEventID(), ConversationID: conv, Type: types.EventUserMessage,
			Seq: seq, At: time.Now(), Payload: payload,
		}
		if err := events.Insert(ctx, ev); err != nil {
			t.Fatal(err)
		}
		msg, err := persist.Materialize(ev)
		if err != nil {
			t.Fatal(err)
		}
		if err := messages.Upsert(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer(Options{Conversations: conversations, Events: events, Messages: messages})

	w := do(t, srv, http.MethodGet, "/api/conversations/"+string(conv)+"/events?from=2", "")
	var evs []types.Event
	if err := json.NewDecoder(w.Body).Decode(&evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Seq != 2 || evs[1].Seq != 3 {
		t.Errorf("expected seqs 2,3, got %+v", evs)
	}

	if w := do(t, srv, http.MethodGet, "/api/conversations/"+string(conv)+"/events?from=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cursor, got %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/api/conversations/"+string(conv)+"/messages", "")
	var msgs []types.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "m1" {
		t.Errorf("unexpected messages %+v", msgs)
	}

	w = do(t, srv, http.MethodGet, "/api/conversations", "")
	var convs []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0]["event_count"] != float64(3) || convs[0]["key"] != "http:history" {
		t.Errorf("unexpected conversations %+v", convs)
	}

	// Empty conversations return empty arrays, not null.
	w = do(t, srv, http.MethodGet, "/api/conversations/none/events", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected [], got %s", w.Body)
	}
}

func TestPurgeConversation(t *testing.T) {
	db := newDB(t)
	conversations := state.NewConversationStore(db)
	broker := notify.NewBroker(16)
	turns := &mockTurns{}
	ctx := context.Background()

	conv, err := conversations.ResolveOrCreate(ctx, "http:gone")
	if err != nil {
		t.Fatal(err)
	}
	publish(t, broker, conv, "message_chunk", "x")

	srv := NewServer(Options{Turns: turns, Conversations: conversations, Stream: broker})
	if w := do(t, srv, http.MethodDelete, "/api/conversations/"+string(conv), ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body)
	}
	if len(turns.cancelled) != 1 || turns.cancelled[0] != conv {
		t.Errorf("expected running turn to be cancelled, got %v", turns.cancelled)
	}
	if _, err := conversations.Get(ctx, conv); err == nil {
		t.Error("expected conversation to be deleted")
	}
	if evs, err := broker.EventsAfter(conv, 0); err != nil || len(evs) != 0 {
		t.Errorf("expected history to be dropped, got %v (%v)", evs, err)
	}

	if w := do(t, srv, http.MethodDelete, "/api/conversations/"+string(conv), ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second purge, got %d", w.Code)
	}
}

func TestApprovalDecision(t *testing.T) {
	store := state.NewApprovalStore(newDB(t))
	gate := approval.NewGate(store, nil, time.Minute)
	ctx := context.Background()

	p, err := gate.Request(ctx, approval.Params{ConversationID: "c1", ToolName: "create_note", Args: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(Options{Responder: gate, Approvals: store})

	w := do(t, srv, http.MethodGet, "/api/approvals", "")
	var pending []types.ApprovalRequest
	if err := json.NewDecoder(w.Body).Decode(&pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != p.Request.ID {
		t.Fatalf("unexpected pending %+v", pending)
	}

	path := "/api/approvals/" + string(p.Request.ID)
	if w := do(t, srv, http.MethodPost, path, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without approved, got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, path, `{"approved":true,"decided_by":"ops"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var row types.ApprovalRequest
	if err := json.NewDecoder(w.Body).Decode(&row); err != nil {
		t.Fatal(err)
	}
	if row.Status != types.ApprovalApproved || row.DecidedBy != "ops" {
		t.Errorf("unexpected row %+v", row)
	}

	d, err := p.Wait(ctx)
	if err != nil || !d.Approved {
		t.Errorf("expected approved decision, got %+v (%v)", d, err)
	}

	if w := do(t, srv, http.MethodPost, path, `{"approved":false}`); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second decision, got %d", w.Code)
	}
}

func TestDeadJobs(t *testing.T) {
	dead := &mockDead{jobs: []persist.Job{{ID: "job-1", LastError: "disk full", Attempts: 3}}}
	srv := NewServer(Options{DeadLetters: dead})

	w := do(t, srv, http.MethodGet, "/api/jobs/dead", "")
	var jobs []persist.Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].LastError != "disk full" {
		t.Errorf("unexpected jobs %+v", jobs)
	}

	if w := do(t, srv, http.MethodPost, "/api/jobs/dead/job-1/retry", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/jobs/dead/job-9/retry", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if len(dead.retried) != 1 || dead.retried[0] != "job-1" {
		t.Errorf("unexpected retries %v", dead.retried)
	}
}

func TestNotConfigured(t *testing.T) {
	srv := NewServer(Options{})
	for _, path := range []string{"/api/approvals", "/api/jobs/dead", "/api/conversations", "/api/conversations/c/stream"} {
		if w := do(t, srv, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func publish(t *testing.T, b *notify.Broker, conv types.ConversationID, typ string, data any) {
	t.Helper()
	n, err := notify.New(conv, "turn-1", typ, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), n); err != nil {
		t.Fatal(err)
	}
}

// readEvent reads one SSE frame and returns its id and event lines.
func readEvent(t *testing.T, r *bufio.Reader) (id, event string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if id != "" {
				return id, event
			}
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		}
	}
}

func TestStreamReplaysThenFollows(t *testing.T) {
	broker := notify.NewBroker(16)
	conv := types.ConversationID("c1")
	publish(t, broker, conv, "message_chunk", map[string]string{"text": "a"})
	publish(t, broker, conv, "message_chunk", map[string]string{"text": "b"})

	ts := httptest.NewServer(NewServer(Options{Stream: broker}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/conversations/c1/stream?after=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if id, event := readEvent(t, r); id != "2" || event != "message_chunk" {
		t.Errorf("expected replayed id 2, got %s %s", id, event)
	}

	publish(t, broker, conv, notify.TypeToolResult, map[string]string{"id": "t1"})
	if id, event := readEvent(t, r); id != "3" || event != notify.TypeToolResult {
		t.Errorf("expected live id 3 tool_result, got %s %s", id, event)
	}
}

func TestStreamBadCursor(t *testing.T) {
	broker := notify.NewBroker(2)
	conv := types.ConversationID("c1")
	for i := 0; i < 5; i++ {
		publish(t, broker, conv, "message_chunk", i)
	}
	srv := NewServer(Options{Stream: broker})

	if w := do(t, srv, http.MethodGet, "/api/conversations/c1/stream?after=1", ""); w.Code != http.StatusGone {
		t.Errorf("expected 410 for expired cursor, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/conversations/c1/stream?after=99", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for future cursor, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/conversations/c1/stream", "", "Last-Event-ID", "abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed cursor, got %d", w.Code)
	}
}
