// Package copilot – agent.go implements the tool execution loop: call the
// model with the current context, run requested tool calls through the
// registry, feed the results back and repeat until the model answers without
// tool calls, the iteration cap is reached, or the run is cancelled.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// LoopStatus is how a loop run ended.
type LoopStatus string

const (
	LoopComplete      LoopStatus = "complete"
	LoopCancelled     LoopStatus = "cancelled"
	LoopMaxIterations LoopStatus = "max_iterations"
	LoopFailed        LoopStatus = "failed"
)

// Target is what a loop run writes to: the main line of a conversation, or
// a branch attached to ParentMessageID.
type Target struct {
	ConversationID  string
	BranchID        string
	ParentMessageID string
}

// IsBranch reports whether the target is a branch.
func (t Target) IsBranch() bool { return t.BranchID != "" }

// LoopOptions tunes a single run.
type LoopOptions struct {
	// MaxIterations caps model calls in this run (0 = default).
	MaxIterations int

	// StartIteration continues a previous count; the cap is checked
	// against StartIteration+MaxIterations.
	StartIteration int

	// System is the system prompt. Empty uses the loop default.
	System string

	// Model overrides the client's configured model.
	Model string

	// ToolFilter narrows the visible tools; nil exposes every tool.
	ToolFilter func(name string) bool

	// OnIteration is called after each model call with the running total.
	OnIteration func(iterations int)
}

// LoopResult summarises a finished run.
type LoopResult struct {
	Status     LoopStatus `json:"status"`
	MessageID  string     `json:"message_id"`
	Content    string     `json:"content"`
	Iterations int        `json:"iterations"`
	ToolCalls  int        `json:"tool_calls"`
	Usage      Usage      `json:"usage"`
	Error      string     `json:"error,omitempty"`
}

// MessageDelta is the payload of streaming message:updated events.
type MessageDelta struct {
	MessageID      string `json:"message_id"`
	TextDelta      string `json:"text_delta,omitempty"`
	ReasoningDelta string `json:"reasoning_delta,omitempty"`
}

// TurnInfo describes the run a tool call belongs to.
type TurnInfo struct {
	ConversationID string
	BranchID       string

	// AnchorMessageID is the committed message new branches attach to.
	AnchorMessageID string

	// InflightMessageID is the assistant message being produced.
	InflightMessageID string
}

type ctxKeyTurn struct{}

// ContextWithTurn returns a context carrying the current turn.
func ContextWithTurn(ctx context.Context, t TurnInfo) context.Context {
	return context.WithValue(ctx, ctxKeyTurn{}, t)
}

// TurnFromContext returns the turn of a tool call, if any.
func TurnFromContext(ctx context.Context) (TurnInfo, bool) {
	t, ok := ctx.Value(ctxKeyTurn{}).(TurnInfo)
	return t, ok
}

// AgentLoop runs turns. It assumes exclusive use of its target; the message
// queue provides that for the main line.
type AgentLoop struct {
	llm           LanguageModelClient
	registry      *ToolRegistry
	branches      *conversation.BranchStore
	events        *EventBus
	system        string
	maxIterations int
	logger        *slog.Logger
}

// NewAgentLoop creates a loop.
func NewAgentLoop(llm LanguageModelClient, registry *ToolRegistry, branches *conversation.BranchStore, events *EventBus, logger *slog.Logger) *AgentLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentLoop{
		llm:           llm,
		registry:      registry,
		branches:      branches,
		events:        events,
		maxIterations: DefaultMaxIterations,
		logger:        logger.With("component", "agent"),
	}
}

// SetSystemPrompt sets the default system prompt.
func (l *AgentLoop) SetSystemPrompt(s string) { l.system = s }

// SetMaxIterations sets the default cap.
func (l *AgentLoop) SetMaxIterations(n int) {
	if n > 0 {
		l.maxIterations = n
	}
}

// run is the mutable state of one Run call.
type run struct {
	target   Target
	msg      conversation.Message
	segments []conversation.Message
	result   LoopResult
	filter   func(name string) bool
	logger   *slog.Logger
}

// Run executes one turn against target. Cancellation of ctx ends the run with
// LoopCancelled and the partial content kept. Infrastructure failures return
// a *conversation.Error of KindInfrastructure and mark the message invalid.
func (l *AgentLoop) Run(ctx context.Context, target Target, opts LoopOptions) (*LoopResult, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = l.maxIterations
	}
	limit := opts.StartIteration + maxIter
	system := opts.System
	if system == "" {
		system = l.system
	}

	r := &run{
		target: target,
		msg:    conversation.NewMessage(conversation.RoleAssistant, ""),
		filter: opts.ToolFilter,
		logger: l.logger.With("conversation", target.ConversationID, "branch", target.BranchID),
	}
	r.msg.State = conversation.StateStreaming
	r.result = LoopResult{MessageID: r.msg.ID, Iterations: opts.StartIteration}

	if err := l.create(ctx, r); err != nil {
		return nil, conversation.Infrastructure("agent loop", err)
	}

	anchor, err := l.anchor(ctx, target)
	if err != nil {
		return l.fail(ctx, r, err)
	}
	toolCtx := ContextWithTurn(ContextWithCaller(ctx, CallerAgent), TurnInfo{
		ConversationID:    target.ConversationID,
		BranchID:          target.BranchID,
		AnchorMessageID:   anchor,
		InflightMessageID: r.msg.ID,
	})
	tools := l.registry.Schemas(opts.ToolFilter)

	for {
		// Cancellation is observed before every model call.
		if ctx.Err() != nil {
			return l.cancel(r), nil
		}
		if r.result.Iterations >= limit {
			r.logger.Info("max iterations reached", "iterations", r.result.Iterations, "limit", limit)
			return l.finish(ctx, r, LoopMaxIterations)
		}

		history, err := l.context(ctx, r)
		if err != nil {
			return l.fail(ctx, r, err)
		}

		req := CompletionRequest{Model: opts.Model, System: system, Messages: history, Tools: tools}
		// A seeded system message (sub-agent branches) replaces the default prompt.
		if history[0].Role == conversation.RoleSystem && len(history) > 1 {
			req.System = history[0].Content
			req.Messages = history[1:]
		}

		r.result.Iterations++
		llmStart := time.Now()
		text, calls, err := l.stream(ctx, r, req)
		if opts.OnIteration != nil {
			opts.OnIteration(r.result.Iterations)
		}
		if err != nil {
			if ctx.Err() != nil {
				return l.cancel(r), nil
			}
			return l.fail(ctx, r, err)
		}
		r.logger.Debug("model call done",
			"iteration", r.result.Iterations,
			"llm_ms", time.Since(llmStart).Milliseconds(),
			"tool_calls", len(calls),
		)

		if len(calls) == 0 {
			return l.finish(ctx, r, LoopComplete)
		}

		if cancelled := l.executeTools(ctx, toolCtx, r, text, calls); cancelled {
			return l.cancel(r), nil
		}
	}
}

// create persists the in-flight message.
func (l *AgentLoop) create(ctx context.Context, r *run) error {
	var err error
	if r.target.IsBranch() {
		err = l.branches.AddMessageToBranch(ctx, r.target.ConversationID, r.target.ParentMessageID, r.target.BranchID, r.msg)
	} else {
		err = l.branches.AppendMessage(ctx, r.target.ConversationID, r.msg)
	}
	if err != nil {
		return err
	}
	l.events.EmitMessage(EventMessageCreated, r.target.ConversationID, r.target.BranchID, r.msg.Clone())
	return nil
}

// save writes the in-flight message back. It ignores ctx cancellation so
// partial output survives a cancelled run.
func (l *AgentLoop) save(ctx context.Context, r *run) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	if r.target.IsBranch() {
		err = l.branches.UpdateBranchMessage(ctx, r.target.ConversationID, r.target.ParentMessageID, r.target.BranchID, r.msg)
	} else {
		err = l.branches.UpdateMessage(ctx, r.target.ConversationID, r.msg)
	}
	if err != nil {
		return err
	}
	l.events.EmitMessage(EventMessageUpdated, r.target.ConversationID, r.target.BranchID, r.msg.Clone())
	return nil
}

// anchor returns the committed message that branches created during this run
// attach to: the owner for branch targets, the last committed main-line
// message otherwise.
func (l *AgentLoop) anchor(ctx context.Context, target Target) (string, error) {
	if target.IsBranch() {
		return target.ParentMessageID, nil
	}
	conv, err := l.branches.Storage().GetConversation(ctx, target.ConversationID)
	if err != nil {
		return "", err
	}
	i := conv.LastCommittedIndex()
	if i < 0 {
		return "", nil
	}
	return conv.Messages[i].ID, nil
}

// context builds the model context: the stored history without the
// in-flight message, followed by this run's earlier iterations.
func (l *AgentLoop) context(ctx context.Context, r *run) ([]conversation.Message, error) {
	conv, err := l.branches.Storage().GetConversation(ctx, r.target.ConversationID)
	if err != nil {
		return nil, err
	}
	built := conversation.BuildContext(conv, r.target.ParentMessageID, r.target.BranchID)
	history := make([]conversation.Message, 0, len(built)+len(r.segments))
	for _, m := range built {
		if m.ID != r.msg.ID {
			history = append(history, m)
		}
	}
	if len(history) == 0 {
		return nil, errors.New("context is empty")
	}
	return append(history, r.segments...), nil
}

// stream runs one model call, accumulating text into the in-flight message.
func (l *AgentLoop) stream(ctx context.Context, r *run, req CompletionRequest) (string, []*ToolCallRequest, error) {
	ch, err := l.llm.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("starting model stream: %w", err)
	}

	var (
		text   string
		calls  []*ToolCallRequest
		done   bool
		failed error
	)
	// Drain until close so the producer never blocks.
	for ev := range ch {
		if failed != nil {
			continue
		}
		switch {
		case ev.Err != nil:
			failed = ev.Err
		case ev.TextDelta != "":
			text += ev.TextDelta
			r.msg.Content += ev.TextDelta
			r.result.Content = r.msg.Content
			l.events.EmitMessage(EventMessageUpdated, r.target.ConversationID, r.target.BranchID,
				MessageDelta{MessageID: r.msg.ID, TextDelta: ev.TextDelta})
		case ev.ReasoningDelta != "":
			r.msg.Reasoning += ev.ReasoningDelta
			l.events.EmitMessage(EventMessageUpdated, r.target.ConversationID, r.target.BranchID,
				MessageDelta{MessageID: r.msg.ID, ReasoningDelta: ev.ReasoningDelta})
		case ev.ToolCall != nil:
			if ev.ToolCall.ID == "" {
				ev.ToolCall.ID = "call_" + uuid.New().String()[:8]
			}
			calls = append(calls, ev.ToolCall)
			l.events.EmitTool(EventToolDetected, r.target.ConversationID, r.target.BranchID,
				ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Args)
		case ev.Done:
			done = true
			if ev.Usage != nil {
				r.result.Usage.InputTokens += ev.Usage.InputTokens
				r.result.Usage.OutputTokens += ev.Usage.OutputTokens
			}
		}
	}
	if failed != nil {
		return text, nil, failed
	}
	if !done {
		if ctx.Err() != nil {
			return text, nil, ctx.Err()
		}
		return text, nil, errors.New("model stream ended without completion")
	}
	return text, calls, nil
}

// executeTools records the calls on the in-flight message and runs them in
// order. It returns true when the run was cancelled midway.
func (l *AgentLoop) executeTools(ctx, toolCtx context.Context, r *run, text string, calls []*ToolCallRequest) bool {
	first := len(r.msg.ToolCalls)
	for _, c := range calls {
		r.msg.ToolCalls = append(r.msg.ToolCalls, conversation.ToolCall{
			ID:      c.ID,
			Name:    c.Name,
			Args:    c.Args,
			Pending: true,
		})
	}
	r.result.ToolCalls += len(calls)
	if err := l.save(ctx, r); err != nil {
		r.logger.Warn("failed to persist pending tool calls", "error", err)
	}

	for i, c := range calls {
		tc := &r.msg.ToolCalls[first+i]
		if ctx.Err() != nil {
			return true
		}

		l.events.EmitTool(EventToolStarted, r.target.ConversationID, r.target.BranchID, tc.ID, tc.Name, tc.Args)
		var res conversation.ToolResult
		switch {
		case r.filter != nil && !r.filter(tc.Name):
			// Hidden tools stay unavailable even when the model names them.
			res = failedResult(declineHidden(tc.Name), time.Now())
		case c.ArgsError != "":
			res = failedResult(conversation.Validation(tc.Name, "%s", c.ArgsError), time.Now())
		default:
			res = l.registry.InvokeName(toolCtx, tc.Name, tc.Args)
		}
		tc.Result = &res
		tc.Pending = false

		r.logger.Debug("tool executed", "tool", tc.Name, "success", res.Success, "duration_ms", res.DurationMs)
		l.events.EmitTool(EventToolCompleted, r.target.ConversationID, r.target.BranchID, tc.ID, tc.Name, res)
	}

	seg := conversation.NewMessage(conversation.RoleAssistant, text)
	seg.ToolCalls = make([]conversation.ToolCall, len(calls))
	copy(seg.ToolCalls, r.msg.ToolCalls[first:])
	r.segments = append(r.segments, seg)

	if err := l.save(ctx, r); err != nil {
		r.logger.Warn("failed to persist tool results", "error", err)
	}
	return false
}

// finish commits the message with the given terminal status.
func (l *AgentLoop) finish(ctx context.Context, r *run, status LoopStatus) (*LoopResult, error) {
	r.msg.State = conversation.StateComplete
	if err := l.save(ctx, r); err != nil {
		r.msg.State = conversation.StateInvalid
		return l.fail(ctx, r, err)
	}
	r.result.Status = status
	r.result.Content = r.msg.Content
	r.logger.Info("agent run finished", "status", status, "iterations", r.result.Iterations, "tool_calls", r.result.ToolCalls)
	res := r.result
	return &res, nil
}

// cancel marks the message aborted, keeping the partial content.
func (l *AgentLoop) cancel(r *run) *LoopResult {
	r.msg.State = conversation.StateAborted
	for i := range r.msg.ToolCalls {
		tc := &r.msg.ToolCalls[i]
		if tc.Result == nil {
			tc.Pending = false
			tc.Aborted = true
		}
	}
	if err := l.save(context.Background(), r); err != nil {
		r.logger.Warn("failed to persist aborted message", "error", err)
	}
	r.result.Status = LoopCancelled
	r.result.Content = r.msg.Content
	r.logger.Info("agent run cancelled", "iterations", r.result.Iterations, "partial_chars", len(r.msg.Content))
	res := r.result
	return &res
}

// fail marks the message invalid and returns an infrastructure error.
func (l *AgentLoop) fail(ctx context.Context, r *run, cause error) (*LoopResult, error) {
	r.msg.State = conversation.StateInvalid
	for i := range r.msg.ToolCalls {
		if r.msg.ToolCalls[i].Result == nil {
			r.msg.ToolCalls[i].Pending = false
			r.msg.ToolCalls[i].Aborted = true
		}
	}
	if err := l.save(ctx, r); err != nil {
		r.logger.Warn("failed to persist invalid message", "error", err)
	}
	r.result.Status = LoopFailed
	r.result.Content = r.msg.Content
	r.result.Error = cause.Error()
	r.logger.Error("agent run failed", "iterations", r.result.Iterations, "error", cause)
	res := r.result
	return &res, conversation.Infrastructure("agent loop", cause)
}
