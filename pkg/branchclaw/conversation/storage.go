package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Storage persists conversation documents. It exposes no transactions:
// callers serialize read-modify-write cycles themselves and the last writer
// wins.
type Storage interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch Patch) error
	ListConversations(ctx context.Context) ([]Summary, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Patch is a partial conversation update. Nil fields are left untouched and
// Metadata keys are merged into the existing metadata.
type Patch struct {
	Title    *string
	Messages []Message
	Metadata map[string]any
}

// Apply merges the patch into conv and bumps Updated.
func (p Patch) Apply(conv *Conversation) {
	if p.Title != nil {
		conv.Title = *p.Title
	}
	if p.Messages != nil {
		conv.Messages = cloneMessages(p.Messages)
	}
	if len(p.Metadata) > 0 {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			conv.Metadata[k] = v
		}
	}
	conv.Updated = time.Now()
}

// Summary is the listing view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Summarize builds the listing view of conv.
func Summarize(conv *Conversation) Summary {
	return Summary{
		ID:           conv.ID,
		Title:        conv.Title,
		MessageCount: len(conv.Messages),
		Created:      conv.Created,
		Updated:      conv.Updated,
	}
}

// SortSummaries orders summaries by most recent update first.
func SortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool { return s[i].Updated.After(s[j].Updated) })
}

// MemoryStorage keeps conversations in process memory. Every read and write
// copies the document so callers never share state with the store.
type MemoryStorage struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{convs: make(map[string]*Conversation)}
}

func (s *MemoryStorage) CreateConversation(_ context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return Validation("create conversation", "conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return Validation("create conversation", "conversation %q already exists", conv.ID)
	}
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStorage) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, NotFound("get conversation", "conversation %q not found", id)
	}
	return conv.Clone(), nil
}

func (s *MemoryStorage) UpdateConversation(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return NotFound("update conversation", "conversation %q not found", id)
	}
	patch.Apply(conv)
	return nil
}

func (s *MemoryStorage) ListConversations(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, Summarize(conv))
	}
	s.mu.RUnlock()
	SortSummaries(out)
	return out, nil
}

func (s *MemoryStorage) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}
