package conversation

import (
	"context"
	"sync"
	"time"
)

// BranchRef pairs a branch with the id of the message that owns it.
type BranchRef struct {
	Branch          Branch `json:"branch"`
	OwningMessageID string `json:"owningMessageId"`
}

// BranchStore manages the message tree of conversations: main-line messages
// and the branches attached to them. Every mutation is a read-modify-write
// round trip through the Storage with no conflict detection; round trips on
// the same conversation are serialised within one store.
type BranchStore struct {
	storage Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBranchStore creates a branch store over storage.
func NewBranchStore(storage Storage) *BranchStore {
	return &BranchStore{storage: storage, locks: make(map[string]*sync.Mutex)}
}

// Storage returns the underlying storage.
func (s *BranchStore) Storage() Storage { return s.storage }

func (s *BranchStore) lock(conversationID string) func() {
	s.mu.Lock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Mutate loads a conversation, applies fn and writes the messages back.
func (s *BranchStore) Mutate(ctx context.Context, conversationID string, fn func(*Conversation) error) error {
	defer s.lock(conversationID)()
	conv, err := s.storage.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := fn(conv); err != nil {
		return err
	}
	return s.storage.UpdateConversation(ctx, conversationID, Patch{Messages: conv.Messages})
}

// AppendMessage adds a message to the main line of a conversation.
func (s *BranchStore) AppendMessage(ctx context.Context, conversationID string, message Message) error {
	return s.Mutate(ctx, conversationID, func(conv *Conversation) error {
		if message.ID == "" {
			message.ID = NewID()
		}
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now()
		}
		conv.Messages = append(conv.Messages, message)
		return nil
	})
}

// UpdateMessage replaces a main-line message in place, keeping any branches
// already attached to the stored copy.
func (s *BranchStore) UpdateMessage(ctx context.Context, conversationID string, message Message) error {
	return s.Mutate(ctx, conversationID, func(conv *Conversation) error {
		i := conv.MessageIndex(message.ID)
		if i < 0 {
			return NotFound("update message", "message %q not found in conversation %q", message.ID, conversationID)
		}
		message.Branches = conv.Messages[i].Branches
		conv.Messages[i] = message
		return nil
	})
}

// CreateBranch appends branch to the branch list of a committed message.
// InheritContext is always recomputed from the branch type.
func (s *BranchStore) CreateBranch(ctx context.Context, conversationID, messageID string, branch Branch) (Branch, error) {
	if branch.Type != BranchHuman && branch.Type != BranchSubagent {
		return Branch{}, Validation("create branch", "unknown branch type %q", branch.Type)
	}
	if branch.ID == "" {
		branch.ID = NewID()
	}
	now := time.Now()
	if branch.Created.IsZero() {
		branch.Created = now
	}
	branch.Updated = now
	branch.InheritContext = InheritsContext(branch.Type)
	if branch.Messages == nil {
		branch.Messages = []Message{}
	}

	err := s.Mutate(ctx, conversationID, func(conv *Conversation) error {
		msg := conv.Message(messageID)
		if msg == nil {
			return NotFound("create branch", "message %q not found in conversation %q", messageID, conversationID)
		}
		if !msg.IsCommitted() {
			return Validation("create branch", "message %q is %s, branches attach only to committed messages", messageID, msg.State)
		}
		msg.Branches = append(msg.Branches, branch)
		return nil
	})
	if err != nil {
		return Branch{}, err
	}
	return branch.Clone(), nil
}

// AddMessageToBranch appends message to a branch's local history.
func (s *BranchStore) AddMessageToBranch(ctx context.Context, conversationID, parentMessageID, branchID string, message Message) error {
	return s.mutateBranch(ctx, "add message to branch", conversationID, parentMessageID, branchID, func(b *Branch) error {
		if message.ID == "" {
			message.ID = NewID()
		}
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now()
		}
		b.Messages = append(b.Messages, message)
		return nil
	})
}

// UpdateBranchMessage replaces a branch-local message in place. Branches
// already attached to the stored copy are kept.
func (s *BranchStore) UpdateBranchMessage(ctx context.Context, conversationID, parentMessageID, branchID string, message Message) error {
	return s.mutateBranch(ctx, "update branch message", conversationID, parentMessageID, branchID, func(b *Branch) error {
		i := b.MessageIndex(message.ID)
		if i < 0 {
			return NotFound("update branch message", "message %q not found in branch %q", message.ID, branchID)
		}
		message.Branches = b.Messages[i].Branches
		b.Messages[i] = message
		return nil
	})
}

// GetBranch scans every message's branch list for branchID. It returns the
// branch and the id of its owning message, or nil when absent.
func (s *BranchStore) GetBranch(ctx context.Context, conversationID, branchID string) (*Branch, string, error) {
	conv, err := s.storage.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	b, owner := FindBranch(conv, branchID)
	if b == nil {
		return nil, "", nil
	}
	out := b.Clone()
	return &out, owner, nil
}

// UpdateBranchMetadata shallow-merges patch into the branch metadata.
func (s *BranchStore) UpdateBranchMetadata(ctx context.Context, conversationID, parentMessageID, branchID string, patch MetadataPatch) error {
	return s.mutateBranch(ctx, "update branch metadata", conversationID, parentMessageID, branchID, func(b *Branch) error {
		b.Metadata.Apply(patch)
		return nil
	})
}

// GetAllBranches flattens every message's branch list.
func GetAllBranches(conv *Conversation) []BranchRef {
	var out []BranchRef
	for _, m := range conv.Messages {
		for _, b := range m.Branches {
			out = append(out, BranchRef{Branch: b.Clone(), OwningMessageID: m.ID})
		}
	}
	return out
}

// FindBranch returns a pointer into conv for branchID and its owning message
// id. Lookup is a linear scan over all messages.
func FindBranch(conv *Conversation, branchID string) (*Branch, string) {
	for i := range conv.Messages {
		m := &conv.Messages[i]
		for j := range m.Branches {
			if m.Branches[j].ID == branchID {
				return &m.Branches[j], m.ID
			}
		}
	}
	return nil, ""
}

// ContainingBranch returns the branch whose local history holds messageID.
func ContainingBranch(conv *Conversation, messageID string) *Branch {
	for i := range conv.Messages {
		m := &conv.Messages[i]
		for j := range m.Branches {
			if m.Branches[j].MessageIndex(messageID) >= 0 {
				return &m.Branches[j]
			}
		}
	}
	return nil
}

func (s *BranchStore) mutateBranch(ctx context.Context, op, conversationID, parentMessageID, branchID string, fn func(*Branch) error) error {
	return s.Mutate(ctx, conversationID, func(conv *Conversation) error {
		msg := conv.Message(parentMessageID)
		if msg == nil {
			return NotFound(op, "message %q not found in conversation %q", parentMessageID, conversationID)
		}
		var branch *Branch
		for i := range msg.Branches {
			if msg.Branches[i].ID == branchID {
				branch = &msg.Branches[i]
				break
			}
		}
		if branch == nil {
			return NotFound(op, "branch %q not found under message %q", branchID, parentMessageID)
		}
		if err := fn(branch); err != nil {
			return err
		}
		branch.Updated = time.Now()
		return nil
	})
}
