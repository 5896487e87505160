// Package copilot – subagent.go runs tasks in isolated sub-agent branches.
//
// Architecture:
//
//	Agent loop ──subagent.spawn──▶ SubagentExecutor ──goroutine──▶ AgentLoop
//	                                   │                           (branch target,
//	                                   ▼                            no inherited
//	                              runs map + RunStore               context)
//	                                   │
//	                                   ▼
//	                      subagent_result ──▶ MessageQueue of the parent
//
// Sub-agents:
//   - Run against a fresh subagent branch attached to a committed message.
//   - Cannot spawn nested sub-agents.
//   - See a filtered tool set (subagent area and denied tools removed).
//   - Report completion through the announce callback as a QueuedMessage.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// Cancel outcomes callers can branch on.
var (
	ErrRunNotFound        = errors.New("subagent run not found")
	ErrRunAlreadyComplete = errors.New("subagent run already complete")
)

// contextKeySubagentRun marks a context as belonging to a sub-agent run.
type contextKeySubagentRun struct{}

// ContextWithSubagentRun returns a context marked with the running sub-agent.
func ContextWithSubagentRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeySubagentRun{}, runID)
}

// SubagentRunFromContext returns the sub-agent run id, or "" on the main line.
func SubagentRunFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeySubagentRun{}).(string)
	return id
}

// ─── Configuration ───

// SubagentConfig configures the sub-agent executor.
type SubagentConfig struct {
	// Enabled turns the subagent tools on/off (default: true).
	Enabled bool `yaml:"enabled"`

	// MaxConcurrent is how many sub-agents may run at once (default: 1).
	MaxConcurrent int `yaml:"max_concurrent" env:"BRANCHCLAW_SUBAGENT_CONCURRENCY"`

	// MaxIterations is the default loop cap per run (default: 10).
	MaxIterations int `yaml:"max_iterations"`

	// Model overrides the LLM model for sub-agents (empty = parent model).
	Model string `yaml:"model"`

	// DeniedTools lists "area.operation" names or whole areas sub-agents
	// cannot use. The subagent area is always denied.
	DeniedTools []string `yaml:"denied_tools"`

	// Personas maps persona names to system prompt prefixes.
	Personas map[string]string `yaml:"personas"`

	// MaxContextFileBytes caps each inlined context file (default: 32 KiB).
	MaxContextFileBytes int `yaml:"max_context_file_bytes"`
}

// DefaultSubagentDeniedTools keeps sub-agents out of long-term memory.
var DefaultSubagentDeniedTools = []string{"memory"}

// DefaultSubagentConfig returns safe defaults.
func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{
		Enabled:             true,
		MaxConcurrent:       1,
		MaxIterations:       DefaultMaxIterations,
		DeniedTools:         DefaultSubagentDeniedTools,
		MaxContextFileBytes: 32 * 1024,
	}
}

// ─── Subagent Run ───

// SubagentRun tracks one execution of a sub-agent branch. A continuation
// is a new run on the same branch.
type SubagentRun struct {
	ID              string                   `json:"id"`
	ConversationID  string                   `json:"conversation_id"`
	ParentMessageID string                   `json:"parent_message_id"`
	BranchID        string                   `json:"branch_id"`
	Task            string                   `json:"task"`
	Persona         string                   `json:"persona,omitempty"`
	Model           string                   `json:"model,omitempty"`
	Status          conversation.BranchState `json:"status"`
	Iterations      int                      `json:"iterations"`
	MaxIterations   int                      `json:"max_iterations"`
	Result          string                   `json:"result,omitempty"`
	Error           string                   `json:"error,omitempty"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     time.Time                `json:"completed_at,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Running reports whether the run has not finished.
func (r *SubagentRun) Running() bool { return r.Status == conversation.BranchRunning }

func (r *SubagentRun) snapshot() *SubagentRun {
	cp := *r
	cp.cancel = nil
	cp.done = nil
	return &cp
}

// SubagentOptions tunes a spawn or continuation.
type SubagentOptions struct {
	// MaxIterations overrides the cap (0 = config default, or the branch's
	// previous cap on continuation).
	MaxIterations int

	// Persona names a configured persona whose prompt prefixes the system prompt.
	Persona string

	// ContextFiles are vault paths inlined into the task message.
	ContextFiles []string

	// IncludeToolSchemas lists the visible tools in the task message.
	IncludeToolSchemas bool

	// Model overrides the model for this run.
	Model string

	// Message replaces "continue" as the continuation prompt.
	Message string
}

// RunStore persists runs across restarts.
type RunStore interface {
	SaveRun(ctx context.Context, run *SubagentRun) error
	GetRun(ctx context.Context, id string) (*SubagentRun, error) // nil when absent
	ListRuns(ctx context.Context, limit int) ([]*SubagentRun, error)
	MarkStaleRunning(ctx context.Context, reason string) ([]*SubagentRun, error)
	PruneRuns(ctx context.Context, before time.Time) (int, error)
}

// FileSource reads vault files for context inlining.
type FileSource interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// AnnounceCallback receives the subagent_result of a finished run.
type AnnounceCallback func(run *SubagentRun, result QueuedMessage)

// ─── Subagent Executor ───

// SubagentExecutor owns the active sub-agent runs.
type SubagentExecutor struct {
	cfg      SubagentConfig
	loop     *AgentLoop
	branches *conversation.BranchStore
	registry *ToolRegistry
	events   *EventBus
	store    RunStore
	files    FileSource
	logger   *slog.Logger

	sem      *semaphore.Weighted
	announce AnnounceCallback

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*SubagentRun
}

// NewSubagentExecutor creates an executor running branches through loop.
func NewSubagentExecutor(cfg SubagentConfig, loop *AgentLoop, branches *conversation.BranchStore, registry *ToolRegistry, events *EventBus, logger *slog.Logger) *SubagentExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxContextFileBytes <= 0 {
		cfg.MaxContextFileBytes = 32 * 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubagentExecutor{
		cfg:        cfg,
		loop:       loop,
		branches:   branches,
		registry:   registry,
		events:     events,
		logger:     logger.With("component", "subagent"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*SubagentRun),
	}
}

// SetAnnounceCallback registers the receiver of subagent_result messages.
func (e *SubagentExecutor) SetAnnounceCallback(cb AnnounceCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.announce = cb
}

// SetRunStore wires run persistence.
func (e *SubagentExecutor) SetRunStore(store RunStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
}

// SetFileSource wires context-file inlining.
func (e *SubagentExecutor) SetFileSource(files FileSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files = files
}

// Recover marks runs left "running" by a previous process as abandoned,
// both in the run store and on their branches.
func (e *SubagentExecutor) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	stale, err := e.store.MarkStaleRunning(ctx, "interrupted by process restart")
	if err != nil {
		return 0, fmt.Errorf("marking stale runs: %w", err)
	}
	state := conversation.BranchAbandoned
	for _, run := range stale {
		patch := conversation.MetadataPatch{State: &state, Error: conversation.Ptr("interrupted by process restart")}
		if err := e.branches.UpdateBranchMetadata(ctx, run.ConversationID, run.ParentMessageID, run.BranchID, patch); err != nil {
			e.logger.Warn("failed to mark stale branch abandoned", "run_id", run.ID, "branch", run.BranchID, "error", err)
		}
	}
	if len(stale) > 0 {
		e.logger.Info("abandoned stale subagent runs", "count", len(stale))
	}
	return len(stale), nil
}

// checkNesting declines spawns from inside a sub-agent.
func (e *SubagentExecutor) checkNesting(ctx context.Context, conv *conversation.Conversation, parentMessageID string) error {
	if id := SubagentRunFromContext(ctx); id != "" {
		return conversation.Policy("spawn subagent", conversation.CodeNestedSubagent,
			"run %s is a sub-agent and cannot spawn another", id)
	}
	if b := conversation.ContainingBranch(conv, parentMessageID); b != nil && b.Type == conversation.BranchSubagent {
		return conversation.Policy("spawn subagent", conversation.CodeNestedSubagent,
			"message %s belongs to sub-agent branch %s", parentMessageID, b.ID)
	}
	return nil
}

// Execute creates a sub-agent branch on parentMessageID, seeds it and starts
// the run in the background. It returns the run id without waiting.
func (e *SubagentExecutor) Execute(ctx context.Context, task, conversationID, parentMessageID string, opts SubagentOptions) (string, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", conversation.Validation("spawn subagent", "task is required")
	}
	conv, err := e.branches.Storage().GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if err := e.checkNesting(ctx, conv, parentMessageID); err != nil {
		e.logger.Warn("nested subagent declined", "conversation", conversationID, "message", parentMessageID)
		return "", err
	}

	persona := ""
	if opts.Persona != "" {
		p, ok := e.cfg.Personas[opts.Persona]
		if !ok {
			return "", conversation.Validation("spawn subagent", "unknown persona %q", opts.Persona)
		}
		persona = p
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = e.cfg.MaxIterations
	}

	userText, err := e.buildTaskMessage(ctx, task, opts)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()[:8]
	branch := conversation.NewBranch(conversation.BranchSubagent)
	branch.Metadata = conversation.BranchMetadata{
		Task:          task,
		State:         conversation.BranchRunning,
		MaxIterations: maxIter,
		Persona:       opts.Persona,
		RunID:         runID,
	}
	branch.Messages = []conversation.Message{
		conversation.NewMessage(conversation.RoleSystem, buildSubagentPrompt(persona, task)),
		conversation.NewMessage(conversation.RoleUser, userText),
	}
	branch, err = e.branches.CreateBranch(ctx, conversationID, parentMessageID, branch)
	if err != nil {
		return "", err
	}
	e.events.EmitBranch(EventBranchCreated, conversationID, branch.ID, conversation.BranchRef{Branch: branch, OwningMessageID: parentMessageID})

	run := &SubagentRun{
		ID:              runID,
		ConversationID:  conversationID,
		ParentMessageID: parentMessageID,
		BranchID:        branch.ID,
		Task:            task,
		Persona:         opts.Persona,
		Model:           e.model(opts),
		MaxIterations:   maxIter,
	}
	e.start(run, 0)

	e.logger.Info("spawning subagent",
		"run_id", runID,
		"conversation", conversationID,
		"branch", branch.ID,
		"task_preview", truncate(task, 80),
		"max_iterations", maxIter,
	)
	return runID, nil
}

// Continue resumes a finished sub-agent branch with a new user message. The
// iteration count carries over, so the cap applies to the running total.
func (e *SubagentExecutor) Continue(ctx context.Context, conversationID, branchID string, opts SubagentOptions) (string, error) {
	if id := SubagentRunFromContext(ctx); id != "" {
		return "", conversation.Policy("continue subagent", conversation.CodeNestedSubagent,
			"run %s is a sub-agent and cannot resume another", id)
	}
	branch, owner, err := e.branches.GetBranch(ctx, conversationID, branchID)
	if err != nil {
		return "", err
	}
	if branch == nil {
		return "", conversation.NotFound("continue subagent", "branch %q not found", branchID)
	}
	if branch.Type != conversation.BranchSubagent {
		return "", conversation.Validation("continue subagent", "branch %q is not a sub-agent branch", branchID)
	}
	if branch.Metadata.State == conversation.BranchRunning {
		return "", conversation.Validation("continue subagent", "branch %q is still running", branchID)
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = branch.Metadata.MaxIterations
	}
	if maxIter <= 0 {
		maxIter = e.cfg.MaxIterations
	}
	text := opts.Message
	if text == "" {
		text = "continue"
	}
	if err := e.branches.AddMessageToBranch(ctx, conversationID, owner, branchID, conversation.NewMessage(conversation.RoleUser, text)); err != nil {
		return "", err
	}

	runID := uuid.New().String()[:8]
	state := conversation.BranchRunning
	if err := e.branches.UpdateBranchMetadata(ctx, conversationID, owner, branchID, conversation.MetadataPatch{
		State:         &state,
		RunID:         &runID,
		MaxIterations: &maxIter,
		Error:         conversation.Ptr(""),
	}); err != nil {
		return "", err
	}
	e.events.EmitBranch(EventBranchUpdated, conversationID, branchID, map[string]any{"state": state, "run_id": runID})

	run := &SubagentRun{
		ID:              runID,
		ConversationID:  conversationID,
		ParentMessageID: owner,
		BranchID:        branchID,
		Task:            branch.Metadata.Task,
		Persona:         branch.Metadata.Persona,
		Model:           e.model(opts),
		Iterations:      branch.Metadata.Iterations,
		MaxIterations:   maxIter,
	}
	e.start(run, branch.Metadata.Iterations)

	e.logger.Info("continuing subagent",
		"run_id", runID,
		"branch", branchID,
		"prior_iterations", branch.Metadata.Iterations,
		"max_iterations", maxIter,
	)
	return runID, nil
}

func (e *SubagentExecutor) model(opts SubagentOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return e.cfg.Model
}

// start registers run and launches its goroutine.
func (e *SubagentExecutor) start(run *SubagentRun, startIteration int) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	run.Status = conversation.BranchRunning
	run.StartedAt = time.Now()
	run.cancel = cancel
	run.done = make(chan struct{})

	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()
	e.persistRun(run)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.complete(run, &LoopResult{Status: LoopCancelled, Iterations: startIteration}, nil)
			return
		}
		defer e.sem.Release(1)

		e.logger.Debug("subagent started", "run_id", run.ID, "model", run.Model)

		target := Target{ConversationID: run.ConversationID, BranchID: run.BranchID, ParentMessageID: run.ParentMessageID}
		res, err := e.loop.Run(ContextWithSubagentRun(ctx, run.ID), target, LoopOptions{
			MaxIterations:  run.MaxIterations,
			StartIteration: startIteration,
			Model:          run.Model,
			ToolFilter:     e.toolFilter(),
			OnIteration:    func(n int) { e.recordIteration(run, n) },
		})
		e.complete(run, res, err)
	}()
}

// declineHidden is the result of calling a tool the run's filter hides.
// Spawning from a sub-agent keeps its nesting code.
func declineHidden(name string) *conversation.Error {
	if area, op, _ := SplitToolName(name); area == subagentArea && (op == "spawn" || op == "continue") {
		return conversation.Policy(name, conversation.CodeNestedSubagent, "sub-agents cannot start other sub-agents")
	}
	return conversation.Policy(name, conversation.CodeToolHidden, "%s is not available in this run", name)
}

// toolFilter hides the subagent area and denied tools from sub-agents. The
// loop enforces it on every call, not only on the advertised schemas.
func (e *SubagentExecutor) toolFilter() func(string) bool {
	deny := make(map[string]bool, len(e.cfg.DeniedTools)+1)
	deny[subagentArea] = true
	for _, name := range e.cfg.DeniedTools {
		deny[name] = true
	}
	return func(name string) bool {
		area, _, _ := SplitToolName(name)
		return !deny[name] && !deny[area]
	}
}

func (e *SubagentExecutor) recordIteration(run *SubagentRun, n int) {
	e.mu.Lock()
	run.Iterations = n
	e.mu.Unlock()

	ctx := context.Background()
	if err := e.branches.UpdateBranchMetadata(ctx, run.ConversationID, run.ParentMessageID, run.BranchID,
		conversation.MetadataPatch{Iterations: &n}); err != nil {
		e.logger.Warn("failed to record iteration", "run_id", run.ID, "error", err)
		return
	}
	e.events.EmitBranch(EventBranchUpdated, run.ConversationID, run.BranchID, map[string]any{"iterations": n})
}

// complete finalises a run: branch metadata, run store, announce.
func (e *SubagentExecutor) complete(run *SubagentRun, res *LoopResult, runErr error) {
	var state conversation.BranchState
	errText := ""
	switch {
	case runErr != nil:
		state = conversation.BranchAbandoned
		errText = runErr.Error()
	case res.Status == LoopComplete:
		state = conversation.BranchComplete
	case res.Status == LoopMaxIterations:
		state = conversation.BranchMaxIterations
		errText = "Max iterations reached"
	default:
		state = conversation.BranchCancelled
		errText = "Cancelled"
	}

	e.mu.Lock()
	run.Status = state
	run.Error = errText
	if res != nil {
		run.Iterations = res.Iterations
		run.Result = res.Content
	}
	run.CompletedAt = time.Now()
	cb := e.announce
	snap := run.snapshot()
	e.mu.Unlock()

	ctx := context.Background()
	patch := conversation.MetadataPatch{State: &state, Iterations: &snap.Iterations, Error: &errText}
	if err := e.branches.UpdateBranchMetadata(ctx, run.ConversationID, run.ParentMessageID, run.BranchID, patch); err != nil {
		e.logger.Warn("failed to update branch metadata", "run_id", run.ID, "error", err)
	}
	e.persistRun(snap)

	if runErr != nil {
		e.logger.Error("subagent failed", "run_id", run.ID, "iterations", snap.Iterations, "error", runErr)
	} else {
		e.logger.Info("subagent finished",
			"run_id", run.ID,
			"state", state,
			"iterations", snap.Iterations,
			"duration", snap.CompletedAt.Sub(snap.StartedAt).Round(time.Millisecond),
		)
	}

	e.events.EmitBranch(EventBranchUpdated, run.ConversationID, run.BranchID, map[string]any{
		"state": state, "iterations": snap.Iterations, "error": errText,
	})
	e.events.Emit(Event{ConversationID: run.ConversationID, BranchID: run.BranchID, Type: EventSubagentFinished, Data: snap})

	close(run.done)

	if cb != nil {
		cb(snap, subagentResultMessage(snap))
	}
}

// subagentResultMessage renders a finished run for the parent conversation.
func subagentResultMessage(run *SubagentRun) QueuedMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "[Sub-agent %s finished: %s after %d iterations]\n", run.ID, run.Status, run.Iterations)
	fmt.Fprintf(&b, "Task: %s\n", run.Task)
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	if run.Result != "" {
		fmt.Fprintf(&b, "\nResult:\n%s", run.Result)
	}
	if run.Status == conversation.BranchMaxIterations {
		fmt.Fprintf(&b, "\n\nThe branch can be resumed with subagent.continue (branch_id %s).", run.BranchID)
	}

	meta := map[string]any{
		"run_id":            run.ID,
		"conversation_id":   run.ConversationID,
		"branch_id":         run.BranchID,
		"parent_message_id": run.ParentMessageID,
		"state":             string(run.Status),
		"iterations":        run.Iterations,
	}
	if run.Error != "" {
		meta["error"] = run.Error
	}
	return NewQueuedMessage(QueuedSubagentResult, b.String(), meta)
}

// Cancel signals a running sub-agent. Unknown ids return ErrRunNotFound and
// finished runs ErrRunAlreadyComplete.
func (e *SubagentExecutor) Cancel(runID string) error {
	e.mu.RLock()
	run, ok := e.runs[runID]
	running := ok && run.Running()
	e.mu.RUnlock()

	if !ok {
		if e.store != nil {
			if stored, err := e.store.GetRun(context.Background(), runID); err == nil && stored != nil {
				return fmt.Errorf("%w: %s is %s", ErrRunAlreadyComplete, runID, stored.Status)
			}
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !running {
		return fmt.Errorf("%w: %s is %s", ErrRunAlreadyComplete, runID, run.Status)
	}

	run.cancel()
	e.logger.Info("subagent cancel requested", "run_id", runID)
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (e *SubagentExecutor) Wait(ctx context.Context, runID string) (*SubagentRun, error) {
	e.mu.RLock()
	run, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		if got, found := e.Get(runID); found {
			return got, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		e.mu.RLock()
		defer e.mu.RUnlock()
		return run.snapshot(), ctx.Err()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return run.snapshot(), nil
}

// Get returns a run by id from memory, then from the run store.
func (e *SubagentExecutor) Get(runID string) (*SubagentRun, bool) {
	e.mu.RLock()
	run, ok := e.runs[runID]
	var snap *SubagentRun
	if ok {
		snap = run.snapshot()
	}
	e.mu.RUnlock()
	if ok {
		return snap, true
	}
	if e.store != nil {
		if stored, err := e.store.GetRun(context.Background(), runID); err == nil && stored != nil {
			return stored, true
		}
	}
	return nil, false
}

// List returns in-memory runs merged with recent stored runs, newest first.
func (e *SubagentExecutor) List() []*SubagentRun {
	e.mu.RLock()
	seen := make(map[string]bool, len(e.runs))
	runs := make([]*SubagentRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run.snapshot())
		seen[run.ID] = true
	}
	e.mu.RUnlock()

	if e.store != nil {
		stored, err := e.store.ListRuns(context.Background(), 50)
		if err != nil {
			e.logger.Warn("failed to load stored runs", "error", err)
		}
		for _, run := range stored {
			if !seen[run.ID] {
				runs = append(runs, run)
			}
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs
}

// ActiveCount returns the number of running sub-agents.
func (e *SubagentExecutor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, run := range e.runs {
		if run.Running() {
			n++
		}
	}
	return n
}

// Cleanup evicts finished runs older than maxAge from memory.
func (e *SubagentExecutor) Cleanup(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, run := range e.runs {
		if !run.Running() && run.CompletedAt.Before(cutoff) {
			delete(e.runs, id)
			removed++
		}
	}
	return removed
}

// PruneOldRuns removes stored runs that finished more than days ago.
func (e *SubagentExecutor) PruneOldRuns(ctx context.Context, days int) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	n, err := e.store.PruneRuns(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("pruned old subagent runs", "deleted", n, "cutoff_days", days)
	}
	return n, nil
}

// Shutdown cancels every running sub-agent and waits for them to finish.
func (e *SubagentExecutor) Shutdown(ctx context.Context) error {
	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *SubagentExecutor) persistRun(run *SubagentRun) {
	e.mu.RLock()
	store := e.store
	var snap *SubagentRun
	if run.done != nil {
		snap = run.snapshot()
	} else {
		snap = run
	}
	e.mu.RUnlock()
	if store == nil {
		return
	}
	if err := store.SaveRun(context.Background(), snap); err != nil {
		e.logger.Warn("failed to persist subagent run", "run_id", run.ID, "error", err)
	}
}

// buildTaskMessage assembles the seed user message: the task, inlined
// context files and optionally the visible tool list.
func (e *SubagentExecutor) buildTaskMessage(ctx context.Context, task string, opts SubagentOptions) (string, error) {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(task)
	b.WriteString("\n")

	if len(opts.ContextFiles) > 0 {
		e.mu.RLock()
		files := e.files
		e.mu.RUnlock()
		if files == nil {
			return "", conversation.Validation("spawn subagent", "context files are not available")
		}
		b.WriteString("\n## Context files\n")
		for _, path := range opts.ContextFiles {
			content, err := files.ReadFile(ctx, path)
			if err != nil {
				return "", err
			}
			if len(content) > e.cfg.MaxContextFileBytes {
				content = cutUTF8(content, e.cfg.MaxContextFileBytes) + "\n[truncated]"
			}
			fmt.Fprintf(&b, "\n### %s\n```\n%s\n```\n", path, content)
		}
	}

	if opts.IncludeToolSchemas {
		b.WriteString("\n## Available tools\n")
		for _, s := range e.registry.Schemas(e.toolFilter()) {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
	}
	return b.String(), nil
}

// buildSubagentPrompt creates the focused system prompt of a sub-agent.
func buildSubagentPrompt(persona, task string) string {
	var b strings.Builder
	if persona != "" {
		b.WriteString(strings.TrimSpace(persona))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, `# Sub-agent Context

You are a sub-agent spawned by the main agent for one task: %s

## Rules
- Focus only on the assigned task.
- You cannot spawn other sub-agents.
- Do not ask the user questions; you have the context you need.
- Tool errors are hints: fix the input and retry before giving up.
- When done, reply without calling tools and summarise what you found or changed.
`, truncate(task, 200))
	return b.String()
}
