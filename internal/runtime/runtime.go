// Package runtime drives one agent turn: it streams the provider response
// through the normalizer, records every step in the event log, gates write
// tools on approval and runs tool calls concurrently.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/turnlog/internal/approval"
	ctxengine "github.com/user/turnlog/internal/context"
	"github.com/user/turnlog/internal/eventlog"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/notify"
	"github.com/user/turnlog/internal/stream"
	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm"
)

const DefaultMaxRounds = 10

// ErrMaxRounds is returned when a turn keeps requesting tools past the
// round ceiling.
var ErrMaxRounds = errors.New("max tool rounds exceeded")

var errProviderStream = errors.New("provider stream")

// Reserver hands out blocks of sequence numbers.
type Reserver interface {
	ReserveBatch(ctx context.Context, id types.ConversationID, n int) (types.SequenceReservation, error)
}

// Persister materializes a stored event into the read model.
type Persister interface {
	Persist(ctx context.Context, ev *types.Event) error
}

// Deps are the collaborators of a Runtime. Gate and Sink may be nil: without
// a gate every write tool is denied, without a sink nothing is published.
type Deps struct {
	Provider    llm.Provider
	Engine      *ctxengine.Engine
	Log         *eventlog.Log
	Sequences   Reserver
	Writer      Persister
	Gate        *approval.Gate
	Sink        notify.Sink
	Registry    *Registry
	MaxRounds   int
	Model       string
	ApprovalTTL time.Duration
}

// Runtime implements the agentic turn loop.
type Runtime struct {
	Deps
}

// New creates a Runtime with the given dependencies. It panics when a
// required collaborator (Provider, Engine, Log, Sequences, Writer) is nil.
func New(d Deps) *Runtime {
	switch {
	case d.Provider == nil:
		panic("runtime: nil Provider")
	case d.Engine == nil:
		panic("runtime: nil Engine")
	case d.Log == nil:
		panic("runtime: nil Log")
	case d.Sequences == nil:
		panic("runtime: nil Sequences")
	case d.Writer == nil:
		panic("runtime: nil Writer")
	}
	if d.MaxRounds <= 0 {
		d.MaxRounds = DefaultMaxRounds
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	return &Runtime{Deps: d}
}

// turn is the per-run state shared across rounds.
type turn struct {
	rt   *Runtime
	run  *gateway.Run
	seen *stream.ToolSet
}

// ProcessRun executes the agentic turn loop for a single run.
// This is the function passed to Queue.SetProcessor.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	t := &turn{rt: rt, run: run, seen: stream.NewToolSet()}

	var text, source string
	if run.Message != nil {
		text, source = run.Message.Text, run.Message.Source
	}
	if _, err := t.record(ctx, types.UserMessagePayload{TurnID: run.ID, Source: source, Text: text}); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}
	if _, err := t.record(ctx, types.SessionStartedPayload{TurnID: run.ID, Model: rt.Model}); err != nil {
		return fmt.Errorf("record session start: %w", err)
	}

	toolNames := rt.Registry.Names()
	writeTools := rt.Registry.WriteTools()

	for round := 1; round <= rt.MaxRounds; round++ {
		events, err := rt.Log.Events(ctx, run.ConversationID, 0, 0)
		if err != nil {
			return t.stopOr(ctx, fmt.Errorf("load events: %w", err))
		}
		messages, err := rt.Engine.BuildPrompt(ctx, run.ConversationID, events, toolNames, writeTools)
		if err != nil {
			return fmt.Errorf("build prompt: %w", err)
		}

		n := stream.New(t.seen)
		if err := t.streamRound(ctx, n, messages); err != nil {
			if ctx.Err() != nil {
				return t.cancelled(ctx, n)
			}
			if errors.Is(err, errProviderStream) {
				t.fail(ctx, "provider_stream", err)
			}
			return err
		}

		calls := n.ToolCalls()
		if len(calls) == 0 {
			if n.StopReason() == llm.StopPauseTurn {
				slog.Info("turn paused by provider, continuing", "turn_id", string(run.ID), "round", round)
				continue
			}
			if _, err := t.record(ctx, types.SessionEndedPayload{TurnID: run.ID, StopReason: n.StopReason(), Rounds: round}); err != nil {
				return fmt.Errorf("record session end: %w", err)
			}
			if run.OnComplete != nil {
				run.OnComplete(n.Content())
			}
			return nil
		}

		if err := t.runTools(ctx, calls); err != nil {
			return t.stopOr(ctx, err)
		}
	}

	t.fail(ctx, "max_rounds", fmt.Errorf("max tool rounds (%d) exceeded", rt.MaxRounds))
	return fmt.Errorf("%w (%d)", ErrMaxRounds, rt.MaxRounds)
}

// streamRound feeds one provider response through n, recording and
// publishing the events it yields. Provider faults wrap errProviderStream.
func (t *turn) streamRound(ctx context.Context, n *stream.Normalizer, messages []llm.Message) error {
	frags, err := t.rt.Provider.Stream(ctx, messages, t.rt.Registry.AsLLMTools())
	if err != nil {
		return fmt.Errorf("%w: %w", errProviderStream, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frags:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return t.handle(ctx, n, messages, n.Finish())
			}
			if f.Err != nil {
				return fmt.Errorf("%w: %w", errProviderStream, f.Err)
			}
			if err := t.handle(ctx, n, messages, n.Push(f)); err != nil {
				return err
			}
		}
	}
}

func (t *turn) handle(ctx context.Context, n *stream.Normalizer, messages []llm.Message, events []stream.Event) error {
	for _, ev := range events {
		switch ev := ev.(type) {
		case stream.ReasoningFinalized:
			if _, err := t.record(ctx, types.ReasoningPayload{TurnID: t.run.ID, Content: ev.Content}); err != nil {
				return fmt.Errorf("record reasoning: %w", err)
			}
		case stream.ToolExecution:
			t.seen.Mark(ev.ToolUseID)
		case stream.FinalResponse:
			usage := n.Usage()
			if usage.InputTokens == 0 && usage.OutputTokens == 0 {
				usage = t.rt.Engine.EstimateUsage(messages, ev.Content)
				t.publish(ctx, string(stream.KindUsage), stream.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
			}
			if _, err := t.record(ctx, types.MessageSentPayload{
				TurnID:       t.run.ID,
				Content:      ev.Content,
				StopReason:   ev.StopReason,
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				Model:        t.rt.Model,
			}); err != nil {
				return fmt.Errorf("record message: %w", err)
			}
		}
		t.publish(ctx, string(ev.Kind()), ev)
	}
	return nil
}

// runTools records the calls, waits for approval of write tools, then
// executes every call concurrently. Each result is stored under the sequence
// reserved for its position in the batch, so completion order does not
// affect persisted order.
func (t *turn) runTools(ctx context.Context, calls []llm.ToolCall) error {
	conv := t.run.ConversationID

	for _, tc := range calls {
		if _, err := t.record(ctx, types.ToolRequestedPayload{
			TurnID:    t.run.ID,
			ToolUseID: tc.ID,
			ToolName:  tc.Function.Name,
			Input:     tc.Function.Arguments,
		}); err != nil {
			return fmt.Errorf("record tool request: %w", err)
		}
	}

	denials, err := t.approve(ctx, calls)
	if err != nil {
		return err
	}

	res, err := t.rt.Sequences.ReserveBatch(ctx, conv, len(calls))
	if err != nil {
		return fmt.Errorf("reserve tool result sequences: %w", err)
	}

	// Reserved slots are filled even if the turn is cancelled mid-flight.
	store := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		seq := res.Sequences[i]
		denial := denials[i]
		g.Go(func() error {
			result := t.execute(gctx, tc, denial)
			ev, err := t.rt.Log.AppendWithSequence(store, conv, result, seq)
			if err != nil {
				return fmt.Errorf("record tool result: %w", err)
			}
			if err := t.rt.Writer.Persist(store, ev); err != nil {
				return fmt.Errorf("persist tool result: %w", err)
			}
			t.publish(store, notify.TypeToolResult, result)
			return nil
		})
	}
	return g.Wait()
}

// approve requests approval for every write call in issue order and waits
// for the decisions concurrently. The returned slice holds a denial error
// per call, nil where the call may run.
func (t *turn) approve(ctx context.Context, calls []llm.ToolCall) ([]error, error) {
	denials := make([]error, len(calls))
	pending := make([]*approval.Pending, len(calls))

	for i, tc := range calls {
		name := tc.Function.Name
		if !t.rt.Registry.IsWrite(name) {
			continue
		}
		if t.rt.Gate == nil {
			denials[i] = fmt.Errorf("%w: no approval gate configured", approval.ErrDenied)
			continue
		}
		p, err := t.rt.Gate.Request(ctx, approval.Params{
			ConversationID: t.run.ConversationID,
			ToolName:       name,
			Args:           tc.Function.Arguments,
			TTL:            t.rt.ApprovalTTL,
		})
		if err != nil {
			slog.Warn("approval request failed, denying tool call",
				"conversation_id", string(t.run.ConversationID), "tool", name, "error", err)
			denials[i] = fmt.Errorf("%w: %v", approval.ErrDenied, err)
			continue
		}
		pending[i] = p
		req := p.Request
		if _, err := t.record(ctx, types.ApprovalRequestedPayload{
			ApprovalID: req.ID,
			ToolUseID:  tc.ID,
			ToolName:   name,
			Args:       req.Args,
			Priority:   req.Priority,
			ExpiresAt:  req.ExpiresAt,
		}); err != nil {
			return nil, fmt.Errorf("record approval request: %w", err)
		}
		t.publish(ctx, notify.TypeApprovalRequested, req)
	}

	decisions := make([]approval.Decision, len(calls))
	var g errgroup.Group
	for i, p := range pending {
		if p == nil {
			continue
		}
		g.Go(func() error {
			d, err := p.Wait(ctx)
			if err != nil {
				t.rt.Gate.Respond(context.WithoutCancel(ctx), p.Request.ID, false, approval.DecidedByCancelled)
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("wait for approval: %w", err)
	}

	for i, p := range pending {
		if p == nil {
			continue
		}
		d := decisions[i]
		if _, err := t.record(ctx, types.ApprovalCompletedPayload{
			ApprovalID: p.Request.ID,
			ToolUseID:  calls[i].ID,
			Status:     d.Status,
			DecidedBy:  d.DecidedBy,
		}); err != nil {
			return nil, fmt.Errorf("record approval decision: %w", err)
		}
		t.publish(ctx, notify.TypeApprovalResolved, d)
		if !d.Approved {
			denials[i] = fmt.Errorf("%w: %s by %s", approval.ErrDenied, d.Status, d.DecidedBy)
		}
	}
	return denials, nil
}

// execute runs one call. Tool failures and denials become error results,
// never turn errors.
func (t *turn) execute(ctx context.Context, tc llm.ToolCall, denial error) types.ToolCompletedPayload {
	result := types.ToolCompletedPayload{TurnID: t.run.ID, ToolUseID: tc.ID, ToolName: tc.Function.Name}
	if denial != nil {
		result.Error = denial.Error()
		return result
	}
	tool, ok := t.rt.Registry.Get(tc.Function.Name)
	if !ok {
		result.Error = fmt.Sprintf("unknown tool %q", tc.Function.Name)
		return result
	}
	out, err := tool.Execute(ctx, tc.Function.Arguments)
	if err != nil {
		slog.Warn("tool failed", "tool", tc.Function.Name, "tool_use_id", tc.ID, "error", err)
		result.Error = err.Error()
		return result
	}
	result.Result = out
	result.Success = true
	return result
}

// record appends payload to the log and hands the event to the writer.
func (t *turn) record(ctx context.Context, payload types.Payload) (*types.Event, error) {
	ev, err := t.rt.Log.Append(ctx, t.run.ConversationID, payload)
	if err != nil {
		return nil, err
	}
	if err := t.rt.Writer.Persist(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist %s: %w", ev.Type, err)
	}
	return ev, nil
}

// publish is best effort; a failed notification never fails the turn.
func (t *turn) publish(ctx context.Context, typ string, data any) {
	if t.rt.Sink == nil {
		return
	}
	n, err := notify.New(t.run.ConversationID, t.run.ID, typ, data)
	if err == nil {
		err = t.rt.Sink.Publish(ctx, n)
	}
	if err != nil {
		slog.Warn("publish notification", "type", typ, "turn_id", string(t.run.ID), "error", err)
	}
}

// stopOr returns the cancellation marker when ctx was cancelled, and err
// otherwise.
func (t *turn) stopOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return t.cancelled(ctx, nil)
	}
	return err
}

// cancelled records the turn_cancelled marker with whatever had streamed.
func (t *turn) cancelled(ctx context.Context, n *stream.Normalizer) error {
	ctx = context.WithoutCancel(ctx)
	payload := types.TurnCancelledPayload{TurnID: t.run.ID, Reason: "client_stop"}
	if n != nil {
		payload.PartialContent = n.Content()
		payload.PartialReasoning = n.Reasoning()
	}
	if _, err := t.record(ctx, payload); err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	t.publish(ctx, notify.TypeTurnCancelled, payload)
	slog.Info("turn cancelled", "turn_id", string(t.run.ID), "conversation_id", string(t.run.ConversationID))
	return nil
}

// fail records an error event. A failure to record is logged, since the turn
// is already ending with err.
func (t *turn) fail(ctx context.Context, code string, err error) {
	ctx = context.WithoutCancel(ctx)
	payload := types.ErrorPayload{TurnID: t.run.ID, Code: code, Message: err.Error()}
	if _, rerr := t.record(ctx, payload); rerr != nil {
		slog.Error("record turn error", "turn_id", string(t.run.ID), "code", code, "error", rerr)
	}
	t.publish(ctx, notify.TypeError, payload)
}
