package conversation

import (
	"context"
	"sync"
	"testing"
)

func seedConversation(t *testing.T, storage Storage, contents ...string) *Conversation {
	t.Helper()
	conv := New("test")
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		conv.Messages = append(conv.Messages, NewMessage(role, c))
	}
	if err := storage.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestCreateBranch_GetBranchRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		branchType  BranchType
		wantInherit bool
	}{
		{"human inherits", BranchHuman, true},
		{"subagent isolated", BranchSubagent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			storage := NewMemoryStorage()
			conv := seedConversation(t, storage, "hi", "hello")
			store := NewBranchStore(storage)

			b := NewBranch(tt.branchType)
			// The flag is a policy constant; a conflicting value is overridden.
			b.InheritContext = !tt.wantInherit
			created, err := store.CreateBranch(ctx, conv.ID, conv.Messages[1].ID, b)
			if err != nil {
				t.Fatalf("CreateBranch: %v", err)
			}

			got, owner, err := store.GetBranch(ctx, conv.ID, created.ID)
			if err != nil {
				t.Fatalf("GetBranch: %v", err)
			}
			if got == nil {
				t.Fatal("GetBranch returned nil")
			}
			if got.ID != b.ID || got.Type != tt.branchType {
				t.Errorf("GetBranch = (%s, %s), want (%s, %s)", got.ID, got.Type, b.ID, tt.branchType)
			}
			if got.InheritContext != tt.wantInherit {
				t.Errorf("InheritContext = %v, want %v", got.InheritContext, tt.wantInherit)
			}
			if owner != conv.Messages[1].ID {
				t.Errorf("owner = %q, want %q", owner, conv.Messages[1].ID)
			}
		})
	}
}

func TestCreateBranch_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "hi")
	store := NewBranchStore(storage)

	if _, err := store.CreateBranch(ctx, "missing", conv.Messages[0].ID, NewBranch(BranchHuman)); !IsNotFound(err) {
		t.Errorf("missing conversation: err = %v, want NotFound", err)
	}
	if _, err := store.CreateBranch(ctx, conv.ID, "missing", NewBranch(BranchHuman)); !IsNotFound(err) {
		t.Errorf("missing message: err = %v, want NotFound", err)
	}
}

func TestCreateBranch_RejectsUncommittedMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := New("streaming")
	msg := NewMessage(RoleAssistant, "partial")
	msg.State = StateStreaming
	conv.Messages = append(conv.Messages, msg)
	if err := storage.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	_, err := NewBranchStore(storage).CreateBranch(ctx, conv.ID, msg.ID, NewBranch(BranchHuman))
	if KindOf(err) != KindValidation {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestAddMessageToBranch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "hi", "hello")
	store := NewBranchStore(storage)
	owner := conv.Messages[1].ID

	b, err := store.CreateBranch(ctx, conv.ID, owner, NewBranch(BranchSubagent))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddMessageToBranch(ctx, conv.ID, owner, b.ID, NewMessage(RoleUser, "task")); err != nil {
		t.Fatalf("AddMessageToBranch: %v", err)
	}

	got, _, _ := store.GetBranch(ctx, conv.ID, b.ID)
	if len(got.Messages) != 1 || got.Messages[0].Content != "task" {
		t.Errorf("branch messages = %+v, want one 'task' message", got.Messages)
	}
	if !got.Updated.After(b.Updated) && !got.Updated.Equal(b.Updated) {
		t.Errorf("Updated went backwards: %v < %v", got.Updated, b.Updated)
	}

	// Wrong owner: the branch does not exist under the first message.
	err = store.AddMessageToBranch(ctx, conv.ID, conv.Messages[0].ID, b.ID, NewMessage(RoleUser, "x"))
	if !IsNotFound(err) {
		t.Errorf("wrong owner: err = %v, want NotFound", err)
	}
}

func TestUpdateBranchMetadata_ShallowMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "hi", "hello")
	store := NewBranchStore(storage)
	owner := conv.Messages[1].ID

	b := NewBranch(BranchSubagent)
	b.Metadata = BranchMetadata{Task: "list files", State: BranchRunning, Extra: map[string]any{"a": 1}}
	b, err := store.CreateBranch(ctx, conv.ID, owner, b)
	if err != nil {
		t.Fatal(err)
	}

	err = store.UpdateBranchMetadata(ctx, conv.ID, owner, b.ID, MetadataPatch{
		State:      Ptr(BranchComplete),
		Iterations: Ptr(2),
		Extra:      map[string]any{"b": 2},
	})
	if err != nil {
		t.Fatalf("UpdateBranchMetadata: %v", err)
	}

	got, _, _ := store.GetBranch(ctx, conv.ID, b.ID)
	if got.Metadata.Task != "list files" {
		t.Errorf("Task = %q, want untouched %q", got.Metadata.Task, "list files")
	}
	if got.Metadata.State != BranchComplete || got.Metadata.Iterations != 2 {
		t.Errorf("metadata = %+v, want state complete, iterations 2", got.Metadata)
	}
	if got.Metadata.Extra["a"] != 1 || got.Metadata.Extra["b"] != 2 {
		t.Errorf("Extra = %v, want merged keys a and b", got.Metadata.Extra)
	}
}

func TestGetBranch_Missing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "hi")

	b, owner, err := NewBranchStore(storage).GetBranch(ctx, conv.ID, "nope")
	if err != nil || b != nil || owner != "" {
		t.Errorf("GetBranch = (%v, %q, %v), want (nil, \"\", nil)", b, owner, err)
	}
}

func TestGetAllBranches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "a", "b", "c")
	store := NewBranchStore(storage)

	for _, idx := range []int{0, 2, 2} {
		if _, err := store.CreateBranch(ctx, conv.ID, conv.Messages[idx].ID, NewBranch(BranchHuman)); err != nil {
			t.Fatal(err)
		}
	}

	fresh, _ := storage.GetConversation(ctx, conv.ID)
	refs := GetAllBranches(fresh)
	if len(refs) != 3 {
		t.Fatalf("len(refs) = %d, want 3", len(refs))
	}
	wantOwners := []string{conv.Messages[0].ID, conv.Messages[2].ID, conv.Messages[2].ID}
	for i, r := range refs {
		if r.OwningMessageID != wantOwners[i] {
			t.Errorf("refs[%d].OwningMessageID = %q, want %q", i, r.OwningMessageID, wantOwners[i])
		}
	}
}

func TestContainingBranch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "a", "b")
	store := NewBranchStore(storage)
	owner := conv.Messages[1].ID

	b, _ := store.CreateBranch(ctx, conv.ID, owner, NewBranch(BranchSubagent))
	inner := NewMessage(RoleAssistant, "inside")
	if err := store.AddMessageToBranch(ctx, conv.ID, owner, b.ID, inner); err != nil {
		t.Fatal(err)
	}

	fresh, _ := storage.GetConversation(ctx, conv.ID)
	if got := ContainingBranch(fresh, inner.ID); got == nil || got.ID != b.ID {
		t.Errorf("ContainingBranch(inner) = %v, want branch %s", got, b.ID)
	}
	if got := ContainingBranch(fresh, owner); got != nil {
		t.Errorf("ContainingBranch(main line) = %v, want nil", got)
	}
}

func TestBranchStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	conv := seedConversation(t, storage, "hi", "hello")
	store := NewBranchStore(storage)
	owner := conv.Messages[1].ID

	b, err := store.CreateBranch(ctx, conv.ID, owner, NewBranch(BranchSubagent))
	if err != nil {
		t.Fatal(err)
	}

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := store.AddMessageToBranch(ctx, conv.ID, owner, b.ID, NewMessage(RoleAssistant, "branch")); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := store.AppendMessage(ctx, conv.ID, NewMessage(RoleUser, "main")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := storage.GetConversation(ctx, conv.ID)
	if len(got.Messages) != 2+n {
		t.Errorf("main line has %d messages, want %d", len(got.Messages), 2+n)
	}
	br, _ := FindBranch(got, b.ID)
	if br == nil || len(br.Messages) != n {
		t.Errorf("branch messages lost under concurrent writes")
	}
}
