package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDatabase_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenDatabase(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"conversations", "subagent_runs", "memories"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestConversationStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewConversationStore(openTestDB(t))
	var _ conversation.Storage = store

	conv := conversation.New("first")
	user := conversation.NewMessage(conversation.RoleUser, "hello")
	branch := conversation.NewBranch(conversation.BranchSubagent)
	branch.Metadata.Task = "dig"
	branch.Messages = []conversation.Message{conversation.NewMessage(conversation.RoleAssistant, "digging")}
	user.Branches = []conversation.Branch{branch}
	conv.Messages = append(conv.Messages, user)

	require.NoError(t, store.CreateConversation(ctx, conv))
	err := store.CreateConversation(ctx, conv)
	assert.Equal(t, conversation.KindValidation, conversation.KindOf(err))

	title := "renamed"
	msgs := append(conv.Messages, conversation.NewMessage(conversation.RoleAssistant, "hi"))
	require.NoError(t, store.UpdateConversation(ctx, conv.ID, conversation.Patch{
		Title:    &title,
		Messages: msgs,
		Metadata: map[string]any{"cost": "0.01"},
	}))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	require.Len(t, got.Messages, 2)
	require.Len(t, got.Messages[0].Branches, 1)
	assert.Equal(t, "dig", got.Messages[0].Branches[0].Metadata.Task)
	assert.Equal(t, "digging", got.Messages[0].Branches[0].Messages[0].Content)
	assert.Equal(t, "0.01", got.Metadata["cost"])

	second := conversation.New("second")
	second.Updated = time.Now().Add(time.Hour)
	require.NoError(t, store.CreateConversation(ctx, second))

	list, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, 2, list[1].MessageCount)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	assert.True(t, conversation.IsNotFound(err))
	err = store.UpdateConversation(ctx, conv.ID, conversation.Patch{Title: &title})
	assert.True(t, conversation.IsNotFound(err))
}

func TestConversationStore_BranchStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	branches := conversation.NewBranchStore(NewConversationStore(openTestDB(t)))

	conv := conversation.New("tree")
	msg := conversation.NewMessage(conversation.RoleUser, "root")
	conv.Messages = append(conv.Messages, msg)
	require.NoError(t, branches.Storage().CreateConversation(ctx, conv))

	b, err := branches.CreateBranch(ctx, conv.ID, msg.ID, conversation.NewBranch(conversation.BranchHuman))
	require.NoError(t, err)
	require.NoError(t, branches.AddMessageToBranch(ctx, conv.ID, msg.ID, b.ID,
		conversation.NewMessage(conversation.RoleUser, "alternative")))

	got, parent, err := branches.GetBranch(ctx, conv.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, parent)
	require.Len(t, got.Messages, 1)
	assert.True(t, got.InheritContext)
}

func TestRunStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRunStore(openTestDB(t))
	var _ copilot.RunStore = store

	old := time.Now().Add(-48 * time.Hour)
	runs := []*copilot.SubagentRun{
		{ID: "done1", ConversationID: "c", BranchID: "b1", Task: "old", Status: conversation.BranchComplete,
			Iterations: 2, MaxIterations: 5, Result: "found it", StartedAt: old, CompletedAt: old.Add(time.Minute)},
		{ID: "live1", ConversationID: "c", ParentMessageID: "m", BranchID: "b2", Task: "new", Persona: "researcher",
			Status: conversation.BranchRunning, MaxIterations: 5, StartedAt: time.Now()},
	}
	for _, r := range runs {
		require.NoError(t, store.SaveRun(ctx, r))
	}

	got, err := store.GetRun(ctx, "done1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "found it", got.Result)
	assert.Equal(t, conversation.BranchComplete, got.Status)
	assert.WithinDuration(t, old, got.StartedAt, time.Millisecond)

	missing, err := store.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "live1", list[0].ID)
	list, err = store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Replacing a run updates it in place.
	runs[0].Iterations = 3
	require.NoError(t, store.SaveRun(ctx, runs[0]))
	got, _ = store.GetRun(ctx, "done1")
	assert.Equal(t, 3, got.Iterations)

	stale, err := store.MarkStaleRunning(ctx, "restart")
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "live1", stale[0].ID)
	assert.Equal(t, "b2", stale[0].BranchID)
	assert.Equal(t, "m", stale[0].ParentMessageID)
	assert.Equal(t, conversation.BranchAbandoned, stale[0].Status)

	got, _ = store.GetRun(ctx, "live1")
	assert.Equal(t, conversation.BranchAbandoned, got.Status)
	assert.Equal(t, "restart", got.Error)
	assert.False(t, got.CompletedAt.IsZero())

	stale, err = store.MarkStaleRunning(ctx, "restart")
	require.NoError(t, err)
	assert.Empty(t, stale)

	n, err := store.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = store.GetRun(ctx, "done1")
	assert.Nil(t, got)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(openTestDB(t))
	var _ copilot.MemoryStore = store

	first, err := store.Remember(ctx, "Prefers short answers", "preference")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	_, err = store.Remember(ctx, "Project deadline is 100% fixed", "fact")
	require.NoError(t, err)
	_, err = store.Remember(ctx, "Lives in Lisbon", "fact")
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		limit int
		want  []string
	}{
		{"case insensitive", "SHORT", 10, []string{"Prefers short answers"}},
		{"all words", "project fixed", 10, []string{"Project deadline is 100% fixed"}},
		{"wildcards are literal", "1_0", 10, nil},
		{"percent literal", "100%", 10, []string{"Project deadline is 100% fixed"}},
		{"empty returns newest", "", 2, []string{"Lives in Lisbon", "Project deadline is 100% fixed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.Recall(ctx, tt.query, tt.limit)
			require.NoError(t, err)
			var got []string
			for _, e := range entries {
				got = append(got, e.Content)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	require.NoError(t, store.Forget(ctx, first.ID))
	err = store.Forget(ctx, first.ID)
	assert.True(t, conversation.IsNotFound(err))
}

func TestMemoryStore_WithTools(t *testing.T) {
	t.Parallel()
	registry := copilot.NewToolRegistry(nil)
	copilot.RegisterMemoryTools(registry, NewMemoryStore(openTestDB(t)))
	ctx := context.Background()

	res := registry.InvokeName(ctx, "memory.remember", map[string]any{"content": "Uses vim", "category": "preference"})
	require.True(t, res.Success, res.Error)
	res = registry.InvokeName(ctx, "memory.recall", map[string]any{"query": "vim"})
	require.True(t, res.Success, res.Error)
	entries, ok := res.Data.([]copilot.MemoryEntry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "preference", entries[0].Category)

	res = registry.InvokeName(ctx, "memory.forget", map[string]any{"id": 999})
	assert.Equal(t, "NOT_FOUND", res.Code)
}
