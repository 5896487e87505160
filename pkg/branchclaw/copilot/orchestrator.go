// Package copilot – orchestrator.go owns conversations and wires the engine
// together: one message queue per conversation feeds the agent loop, and
// sub-agent results re-enter the main flow only through that queue.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// conversationState is the per-conversation runtime state.
type conversationState struct {
	queue *MessageQueue

	mu     sync.Mutex
	cancel context.CancelFunc // active turn, nil when idle
}

// Orchestrator is the long-lived owner of the engine. All collaborators are
// injected state; nothing is reached through globals.
type Orchestrator struct {
	cfg       *Config
	storage   conversation.Storage
	branches  *conversation.BranchStore
	registry  *ToolRegistry
	events    *EventBus
	loop      *AgentLoop
	subagents *SubagentExecutor
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	convs map[string]*conversationState
}

// NewOrchestrator builds the engine over llm and storage. Callers register
// their own capability areas on Registry() before serving requests.
func NewOrchestrator(cfg *Config, llm LanguageModelClient, storage conversation.Storage, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewToolRegistry(logger)
	events := NewEventBus()
	branches := conversation.NewBranchStore(storage)
	loop := NewAgentLoop(llm, registry, branches, events, logger)
	loop.SetMaxIterations(cfg.Agent.MaxIterations)
	loop.SetSystemPrompt(buildSystemPrompt(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		storage:   storage,
		branches:  branches,
		registry:  registry,
		events:    events,
		loop:      loop,
		subagents: NewSubagentExecutor(cfg.Subagents, loop, branches, registry, events, logger),
		logger:    logger.With("component", "orchestrator"),
		ctx:       ctx,
		cancel:    cancel,
		convs:     make(map[string]*conversationState),
	}

	// Sub-agent results are background work for the parent conversation.
	o.subagents.SetAnnounceCallback(func(run *SubagentRun, msg QueuedMessage) {
		if o.ctx.Err() != nil {
			o.logger.Info("dropping subagent result during shutdown", "run_id", run.ID)
			return
		}
		o.goBackground(func() {
			o.state(run.ConversationID).queue.Enqueue(o.ctx, msg)
		})
	})
	RegisterSubagentTools(registry, o.subagents)

	return o
}

// Start recovers sub-agent runs interrupted by a previous process.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("starting orchestrator",
		"name", o.cfg.Name,
		"model", o.cfg.Model,
		"tools", len(o.registry.Schemas(nil)),
	)
	if _, err := o.subagents.Recover(ctx); err != nil {
		return err
	}
	return nil
}

// Stop cancels active turns and sub-agents and waits for background work.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.logger.Info("stopping orchestrator...")
	o.cancel()

	err := o.subagents.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	o.logger.Info("orchestrator stopped")
	return err
}

// Registry returns the tool registry.
func (o *Orchestrator) Registry() *ToolRegistry { return o.registry }

// Events returns the UI event bus.
func (o *Orchestrator) Events() *EventBus { return o.events }

// Subagents returns the sub-agent executor.
func (o *Orchestrator) Subagents() *SubagentExecutor { return o.subagents }

// BranchStore returns the branch store.
func (o *Orchestrator) BranchStore() *conversation.BranchStore { return o.branches }

// NewConversation creates and persists an empty conversation.
func (o *Orchestrator) NewConversation(ctx context.Context, title string) (*conversation.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = "New conversation"
	}
	conv := conversation.New(title)
	if err := o.storage.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	o.logger.Info("conversation created", "conversation", conv.ID)
	return conv, nil
}

// Conversation returns a conversation by id.
func (o *Orchestrator) Conversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return o.storage.GetConversation(ctx, id)
}

// Conversations lists stored conversations, newest first.
func (o *Orchestrator) Conversations(ctx context.Context) ([]conversation.Summary, error) {
	return o.storage.ListConversations(ctx)
}

// DeleteConversation cancels any active turn and removes the conversation.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) error {
	o.CancelTurn(id)
	if err := o.storage.DeleteConversation(ctx, id); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.convs, id)
	o.mu.Unlock()
	o.events.Forget(id)
	return nil
}

// Branches returns every branch of a conversation with its owning message.
func (o *Orchestrator) Branches(ctx context.Context, conversationID string) ([]conversation.BranchRef, error) {
	conv, err := o.storage.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conversation.GetAllBranches(conv), nil
}

// SendMessage submits user input. A standalone stop phrase cancels the
// active turn instead. Otherwise the message is queued, and when the
// conversation is idle the turn runs before SendMessage returns.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, content string) error {
	if strings.TrimSpace(content) == "" {
		return conversation.Validation("send message", "content is required")
	}
	if IsAbortTrigger(content) {
		if o.CancelTurn(conversationID) {
			o.logger.Info("turn aborted by user", "conversation", conversationID)
		}
		return nil
	}
	if _, err := o.storage.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	msg := NewQueuedMessage(QueuedUser, content, map[string]any{"conversation_id": conversationID})
	o.state(conversationID).queue.Enqueue(ctx, msg)
	return nil
}

// Submit is SendMessage without waiting for the turn.
func (o *Orchestrator) Submit(conversationID, content string) error {
	if strings.TrimSpace(content) == "" {
		return conversation.Validation("send message", "content is required")
	}
	if IsAbortTrigger(content) {
		o.CancelTurn(conversationID)
		return nil
	}
	if _, err := o.storage.GetConversation(o.ctx, conversationID); err != nil {
		return err
	}
	o.goBackground(func() {
		if err := o.SendMessage(o.ctx, conversationID, content); err != nil {
			o.logger.Warn("submitted message failed", "conversation", conversationID, "error", err)
		}
	})
	return nil
}

// Regenerate creates a human branch on messageID and generates an alternate
// response there. The branch inherits the history up to messageID; when
// content is set it is sent as the branch's first user message.
func (o *Orchestrator) Regenerate(ctx context.Context, conversationID, messageID, content string) (*LoopResult, error) {
	if _, err := o.storage.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	st, err := o.acquire(conversationID)
	if err != nil {
		return nil, err
	}
	defer st.queue.OnGenerationComplete(o.ctx)

	branch := conversation.NewBranch(conversation.BranchHuman)
	if content != "" {
		branch.Messages = append(branch.Messages, conversation.NewMessage(conversation.RoleUser, content))
	}
	branch, err = o.branches.CreateBranch(ctx, conversationID, messageID, branch)
	if err != nil {
		return nil, err
	}
	o.events.EmitBranch(EventBranchCreated, conversationID, branch.ID,
		conversation.BranchRef{Branch: branch, OwningMessageID: messageID})

	return o.runTurn(st, Target{ConversationID: conversationID, BranchID: branch.ID, ParentMessageID: messageID})
}

// SendToBranch continues a human branch with a new user message.
func (o *Orchestrator) SendToBranch(ctx context.Context, conversationID, branchID, content string) (*LoopResult, error) {
	b, owner, err := o.branches.GetBranch(ctx, conversationID, branchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, conversation.NotFound("send to branch", "branch %q not found", branchID)
	}
	if b.Type != conversation.BranchHuman {
		return nil, conversation.Validation("send to branch", "branch %q is a sub-agent branch; use subagent continue", branchID)
	}

	st, err := o.acquire(conversationID)
	if err != nil {
		return nil, err
	}
	defer st.queue.OnGenerationComplete(o.ctx)

	if err := o.branches.AddMessageToBranch(ctx, conversationID, owner, branchID, conversation.NewMessage(conversation.RoleUser, content)); err != nil {
		return nil, err
	}
	return o.runTurn(st, Target{ConversationID: conversationID, BranchID: branchID, ParentMessageID: owner})
}

// acquire takes the conversation's generation slot for a branch turn that
// runs outside the queue. It fails without side effects while a turn is
// in flight; the caller releases with OnGenerationComplete.
func (o *Orchestrator) acquire(conversationID string) (*conversationState, error) {
	st := o.state(conversationID)
	if !st.queue.TryStart() {
		return nil, conversation.Validation("generate", "conversation %s is busy", conversationID)
	}
	return st, nil
}

// SpawnSubagent starts a sub-agent on messageID, or on the last committed
// main-line message when messageID is empty.
func (o *Orchestrator) SpawnSubagent(ctx context.Context, conversationID, messageID, task string, opts SubagentOptions) (string, error) {
	if messageID == "" {
		conv, err := o.storage.GetConversation(ctx, conversationID)
		if err != nil {
			return "", err
		}
		i := conv.LastCommittedIndex()
		if i < 0 {
			return "", conversation.Validation("spawn subagent", "conversation %s has no committed message", conversationID)
		}
		messageID = conv.Messages[i].ID
	}
	return o.subagents.Execute(ctx, task, conversationID, messageID, opts)
}

// ContinueSubagent resumes a finished sub-agent branch. Its result comes
// back as a background subagent_result.
func (o *Orchestrator) ContinueSubagent(ctx context.Context, conversationID, branchID string, opts SubagentOptions) (string, error) {
	return o.subagents.Continue(ctx, conversationID, branchID, opts)
}

// CancelSubagent cancels a running sub-agent.
func (o *Orchestrator) CancelSubagent(runID string) error {
	return o.subagents.Cancel(runID)
}

// CancelTurn cancels the active turn of a conversation. It reports whether
// a turn was running.
func (o *Orchestrator) CancelTurn(conversationID string) bool {
	o.mu.Lock()
	st, ok := o.convs[conversationID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// QueueDepth returns how many messages wait for a conversation's slot.
func (o *Orchestrator) QueueDepth(conversationID string) int {
	o.mu.Lock()
	st, ok := o.convs[conversationID]
	o.mu.Unlock()
	if !ok {
		return 0
	}
	return st.queue.Len()
}

// state returns the runtime state of a conversation, creating it with a
// queue bound to the turn processor.
func (o *Orchestrator) state(conversationID string) *conversationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.convs[conversationID]
	if !ok {
		st = &conversationState{queue: NewMessageQueue(o.logger.With("conversation", conversationID))}
		st.queue.SetProcessor(o.processor(conversationID, st))
		o.convs[conversationID] = st
	}
	return st
}

// processor appends a queued message to the main line and runs a turn.
func (o *Orchestrator) processor(conversationID string, st *conversationState) MessageProcessor {
	return func(ctx context.Context, msg QueuedMessage) error {
		var m conversation.Message
		switch msg.Type {
		case QueuedUser:
			m = conversation.NewMessage(conversation.RoleUser, msg.Content)
		default:
			m = conversation.NewMessage(conversation.RoleSystem, msg.Content)
		}
		if err := o.branches.AppendMessage(ctx, conversationID, m); err != nil {
			return err
		}
		o.events.EmitMessage(EventMessageCreated, conversationID, "", m)

		_, err := o.runTurn(st, Target{ConversationID: conversationID})
		return err
	}
}

// runTurn runs the loop under a cancellable context registered as the
// conversation's active turn.
func (o *Orchestrator) runTurn(st *conversationState, target Target) (*LoopResult, error) {
	// Turns outlive the request that queued them; only CancelTurn and Stop end them.
	turnCtx, cancel := context.WithCancel(o.ctx)
	defer cancel()

	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.cancel = nil
		st.mu.Unlock()
	}()

	start := time.Now()
	res, err := o.loop.Run(turnCtx, target, LoopOptions{})
	if err != nil {
		o.events.Emit(Event{ConversationID: target.ConversationID, BranchID: target.BranchID, Type: EventTurnError,
			Data: map[string]any{"error": err.Error()}})
		return res, err
	}
	o.events.Emit(Event{ConversationID: target.ConversationID, BranchID: target.BranchID, Type: EventTurnDone, Data: res})
	o.logger.Debug("turn done",
		"conversation", target.ConversationID,
		"branch", target.BranchID,
		"status", res.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (o *Orchestrator) goBackground(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// buildSystemPrompt composes the main-line system prompt.
func buildSystemPrompt(cfg *Config) string {
	var b strings.Builder
	name := cfg.Name
	if name == "" {
		name = "BranchClaw"
	}
	fmt.Fprintf(&b, "You are %s, an assistant that works inside the user's notes vault.\n", name)
	fmt.Fprintf(&b, "Current date: %s\n\n", time.Now().Format("2006-01-02"))
	b.WriteString("Use the storage and search tools to read and change notes. " +
		"Delegate self-contained research or bulk edits with subagent.spawn; " +
		"results arrive later as system messages.\n")
	if s := strings.TrimSpace(cfg.Instructions); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
