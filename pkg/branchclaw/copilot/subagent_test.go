package copilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

type subagentFixture struct {
	*loopFixture
	exec    *SubagentExecutor
	results chan QueuedMessage
	blocked chan struct{}
}

// newSubagentFixture adds a storage.list tool returning three files and a
// test.block tool that waits for cancellation.
func newSubagentFixture(t *testing.T, cfg SubagentConfig, turns ...scriptTurn) *subagentFixture {
	t.Helper()
	f := &subagentFixture{
		loopFixture: newLoopFixture(t, turns...),
		results:     make(chan QueuedMessage, 8),
		blocked:     make(chan struct{}, 8),
	}
	f.registry.MustRegister("storage", Operation{
		Name:    "list",
		Handler: func(context.Context, map[string]any) (any, error) { return []string{"a.md", "b.md", "c.md"}, nil },
	})
	f.registry.MustRegister("test", Operation{
		Name: "block",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			f.blocked <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	f.exec = NewSubagentExecutor(cfg, f.loop, f.store, f.registry, f.events, nil)
	f.exec.SetAnnounceCallback(func(_ *SubagentRun, msg QueuedMessage) { f.results <- msg })
	RegisterSubagentTools(f.registry, f.exec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.exec.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return f
}

func (f *subagentFixture) anchor() string { return f.conv.Messages[0].ID }

func (f *subagentFixture) result(t *testing.T) QueuedMessage {
	t.Helper()
	select {
	case msg := <-f.results:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subagent_result")
		return QueuedMessage{}
	}
}

func (f *subagentFixture) branch(t *testing.T, runID string) *conversation.Branch {
	t.Helper()
	run, ok := f.exec.Get(runID)
	if !ok {
		t.Fatalf("run %s not found", runID)
	}
	b, _ := conversation.FindBranch(f.reload(t), run.BranchID)
	if b == nil {
		t.Fatalf("branch %s not found", run.BranchID)
	}
	return b
}

type staticFiles map[string]string

func (s staticFiles) ReadFile(_ context.Context, path string) (string, error) {
	content, ok := s[path]
	if !ok {
		return "", conversation.NotFound("read", "%s", path)
	}
	return content, nil
}

func TestSubagent_CompletesAndAnnounces(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newSubagentFixture(t, DefaultSubagentConfig(),
		scriptTurn{calls: []*ToolCallRequest{call("c1", "storage.list", map[string]any{})}},
		scriptTurn{text: "There are 3 files."},
	)
	f.exec.SetFileSource(staticFiles{"notes/todo.md": "- buy milk"})

	runID, err := f.exec.Execute(context.Background(), "list files", f.conv.ID, f.anchor(), SubagentOptions{
		ContextFiles:       []string{"notes/todo.md"},
		IncludeToolSchemas: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	msg := f.result(t)
	if msg.Type != QueuedSubagentResult {
		t.Errorf("type = %q, want %q", msg.Type, QueuedSubagentResult)
	}
	if msg.Metadata["run_id"] != runID || msg.Metadata["state"] != "complete" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
	if !strings.Contains(msg.Content, "There are 3 files.") {
		t.Errorf("content = %q", msg.Content)
	}

	b := f.branch(t, runID)
	if b.Type != conversation.BranchSubagent || b.InheritContext {
		t.Errorf("branch type=%s inherit=%v", b.Type, b.InheritContext)
	}
	if b.Metadata.State != conversation.BranchComplete || b.Metadata.Iterations != 2 {
		t.Errorf("metadata = %+v, want complete after 2 iterations", b.Metadata)
	}
	if len(b.Messages) != 3 {
		t.Fatalf("branch has %d messages, want system+task+assistant", len(b.Messages))
	}

	req := f.llm.request(0)
	if !strings.Contains(req.System, "Sub-agent Context") {
		t.Errorf("system prompt = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != conversation.RoleUser {
		t.Fatalf("sub-agent context = %+v, want the task message only", req.Messages)
	}
	task := req.Messages[0].Content
	for _, want := range []string{"list files", "- buy milk", "storage.list"} {
		if !strings.Contains(task, want) {
			t.Errorf("task message missing %q:\n%s", want, task)
		}
	}
	for _, tool := range req.Tools {
		if strings.HasPrefix(tool.Name, "subagent.") {
			t.Errorf("sub-agent sees %s", tool.Name)
		}
	}
}

func TestSubagent_MaxIterationsAndContinue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newSubagentFixture(t, DefaultSubagentConfig(),
		scriptTurn{calls: []*ToolCallRequest{call("", "test.echo", map[string]any{"text": "again"})}},
	)

	runID, err := f.exec.Execute(context.Background(), "loop forever", f.conv.ID, f.anchor(), SubagentOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	msg := f.result(t)
	if msg.Metadata["error"] != "Max iterations reached" {
		t.Errorf("error = %v", msg.Metadata["error"])
	}
	b := f.branch(t, runID)
	if b.Metadata.State != conversation.BranchMaxIterations || b.Metadata.Iterations != 1 {
		t.Fatalf("metadata = %+v", b.Metadata)
	}

	// Prior count 1 plus a new cap of 2 stops at 3 total.
	contID, err := f.exec.Continue(context.Background(), f.conv.ID, b.ID, SubagentOptions{MaxIterations: 2})
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if contID == runID {
		t.Error("continuation reused the run id")
	}
	f.result(t)

	b = f.branch(t, contID)
	if b.Metadata.State != conversation.BranchMaxIterations || b.Metadata.Iterations != 3 {
		t.Errorf("metadata = %+v, want max_iterations after 3", b.Metadata)
	}
	if got := f.llm.calls(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
	var sawContinue bool
	for _, m := range b.Messages {
		if m.Role == conversation.RoleUser && m.Content == "continue" {
			sawContinue = true
		}
	}
	if !sawContinue {
		t.Error("continuation message not appended")
	}
}

func TestSubagent_NestedSpawnDeclined(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newSubagentFixture(t, DefaultSubagentConfig(),
		scriptTurn{calls: []*ToolCallRequest{call("c1", "subagent.spawn", map[string]any{"task": "nested"})}},
		scriptTurn{text: "done"},
	)

	t.Run("from sub-agent context", func(t *testing.T) {
		ctx := ContextWithSubagentRun(context.Background(), "parent")
		_, err := f.exec.Execute(ctx, "nested", f.conv.ID, f.anchor(), SubagentOptions{})
		if conversation.CodeOf(err) != conversation.CodeNestedSubagent || !conversation.IsPolicy(err) {
			t.Fatalf("err = %v, want nested policy violation", err)
		}
		if n := len(conversation.GetAllBranches(f.reload(t))); n != 0 {
			t.Errorf("%d branches created", n)
		}
	})

	t.Run("from sub-agent tool call", func(t *testing.T) {
		runID, err := f.exec.Execute(context.Background(), "try to nest", f.conv.ID, f.anchor(), SubagentOptions{})
		if err != nil {
			t.Fatal(err)
		}
		f.result(t)

		b := f.branch(t, runID)
		var code string
		for _, m := range b.Messages {
			for _, tc := range m.ToolCalls {
				if tc.Name == "subagent.spawn" && tc.Result != nil {
					code = tc.Result.Code
				}
			}
		}
		if code != conversation.CodeNestedSubagent {
			t.Errorf("tool result code = %q", code)
		}
		if n := len(conversation.GetAllBranches(f.reload(t))); n != 1 {
			t.Errorf("%d branches, want only the sub-agent's own", n)
		}

		// A message inside a sub-agent branch cannot parent another one.
		_, err = f.exec.Execute(context.Background(), "nested", f.conv.ID, b.Messages[0].ID, SubagentOptions{})
		if conversation.CodeOf(err) != conversation.CodeNestedSubagent {
			t.Errorf("err = %v", err)
		}
	})
}

func TestSubagent_DeniedToolsRefusedAtCallTime(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newSubagentFixture(t, DefaultSubagentConfig(),
		scriptTurn{calls: []*ToolCallRequest{
			call("c1", "memory.remember", map[string]any{"content": "secret"}),
			call("c2", "subagent.list", map[string]any{}),
			call("c3", "storage.list", map[string]any{}),
		}},
		scriptTurn{text: "done"},
	)
	var mu sync.Mutex
	remembered := 0
	f.registry.MustRegister("memory", Operation{
		Name: "remember",
		Handler: func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			remembered++
			mu.Unlock()
			return "ok", nil
		},
	})

	runID, err := f.exec.Execute(context.Background(), "try the memory", f.conv.ID, f.anchor(), SubagentOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f.result(t)

	mu.Lock()
	if remembered != 0 {
		t.Errorf("memory.remember handler ran %d time(s)", remembered)
	}
	mu.Unlock()

	for _, tool := range f.llm.request(0).Tools {
		if strings.HasPrefix(tool.Name, "memory.") {
			t.Errorf("sub-agent sees %s", tool.Name)
		}
	}

	got := map[string]string{}
	for _, m := range f.branch(t, runID).Messages {
		for _, tc := range m.ToolCalls {
			if tc.Result != nil {
				got[tc.Name] = tc.Result.Code
			}
		}
	}
	want := map[string]string{
		"memory.remember": conversation.CodeToolHidden,
		"subagent.list":   conversation.CodeToolHidden,
		"storage.list":    "",
	}
	for name, code := range want {
		if c, ok := got[name]; !ok || c != code {
			t.Errorf("%s result code = %q (recorded %v), want %q", name, c, ok, code)
		}
	}
}

func TestSubagent_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newSubagentFixture(t, DefaultSubagentConfig(),
		scriptTurn{calls: []*ToolCallRequest{call("c1", "test.block", map[string]any{})}},
	)

	if err := f.exec.Cancel("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("unknown run: %v", err)
	}

	runID, err := f.exec.Execute(context.Background(), "wait", f.conv.ID, f.anchor(), SubagentOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-f.blocked
	if n := f.exec.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d", n)
	}
	if err := f.exec.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	msg := f.result(t)
	if msg.Metadata["state"] != "cancelled" {
		t.Errorf("state = %v", msg.Metadata["state"])
	}
	run, err := f.exec.Wait(context.Background(), runID)
	if err != nil || run.Status != conversation.BranchCancelled {
		t.Fatalf("Wait = %+v, %v", run, err)
	}
	if err := f.exec.Cancel(runID); !errors.Is(err, ErrRunAlreadyComplete) {
		t.Errorf("second cancel: %v", err)
	}
	if n := f.exec.Cleanup(0); n != 1 {
		t.Errorf("Cleanup removed %d", n)
	}
}

func TestSubagent_ShutdownCancelsRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newSubagentFixture(t, DefaultSubagentConfig(),
		scriptTurn{calls: []*ToolCallRequest{call("c1", "test.block", map[string]any{})}},
	)
	runID, err := f.exec.Execute(context.Background(), "wait", f.conv.ID, f.anchor(), SubagentOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-f.blocked

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.exec.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if run, _ := f.exec.Get(runID); run.Status != conversation.BranchCancelled {
		t.Errorf("status = %s", run.Status)
	}
}

func TestSubagent_Validation(t *testing.T) {
	t.Parallel()
	f := newSubagentFixture(t, DefaultSubagentConfig(), scriptTurn{text: "ok"})

	tests := []struct {
		name string
		task string
		opts SubagentOptions
	}{
		{"empty task", "  ", SubagentOptions{}},
		{"unknown persona", "x", SubagentOptions{Persona: "pirate"}},
		{"context files without source", "x", SubagentOptions{ContextFiles: []string{"a.md"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Execute(context.Background(), tt.task, f.conv.ID, f.anchor(), tt.opts)
			if conversation.KindOf(err) != conversation.KindValidation {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}
}

// memRunStore is an in-memory RunStore.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*SubagentRun
}

func (s *memRunStore) SaveRun(_ context.Context, run *SubagentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, id string) (*SubagentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id], nil
}

func (s *memRunStore) ListRuns(context.Context, int) ([]*SubagentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SubagentRun
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memRunStore) MarkStaleRunning(_ context.Context, reason string) ([]*SubagentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SubagentRun
	for _, r := range s.runs {
		if r.Status == conversation.BranchRunning {
			r.Status = conversation.BranchAbandoned
			r.Error = reason
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memRunStore) PruneRuns(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.StartedAt.Before(before) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func TestSubagent_RecoverAbandonsStaleRuns(t *testing.T) {
	t.Parallel()
	f := newSubagentFixture(t, DefaultSubagentConfig(), scriptTurn{text: "ok"})
	ctx := context.Background()

	// A branch left running by a previous process.
	branch := conversation.NewBranch(conversation.BranchSubagent)
	branch.Metadata = conversation.BranchMetadata{Task: "old", State: conversation.BranchRunning, RunID: "stale1"}
	branch, err := f.store.CreateBranch(ctx, f.conv.ID, f.anchor(), branch)
	if err != nil {
		t.Fatal(err)
	}
	store := &memRunStore{runs: map[string]*SubagentRun{
		"stale1": {ID: "stale1", ConversationID: f.conv.ID, ParentMessageID: f.anchor(), BranchID: branch.ID,
			Status: conversation.BranchRunning, StartedAt: time.Now().AddDate(0, 0, -40)},
	}}
	f.exec.SetRunStore(store)

	n, err := f.exec.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	b, _ := conversation.FindBranch(f.reload(t), branch.ID)
	if b.Metadata.State != conversation.BranchAbandoned || b.Metadata.Error == "" {
		t.Errorf("metadata = %+v", b.Metadata)
	}
	if err := f.exec.Cancel("stale1"); !errors.Is(err, ErrRunAlreadyComplete) {
		t.Errorf("cancel stored run: %v", err)
	}
	if n, _ := f.exec.PruneOldRuns(ctx, 30); n != 1 {
		t.Errorf("pruned %d", n)
	}
}
