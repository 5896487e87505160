package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// ConversationStore implements conversation.Storage on sqlite. Each
// conversation is stored as a JSON document next to its listing columns.
type ConversationStore struct {
	db *sql.DB

	// mu serializes read-modify-write updates within this process.
	mu sync.Mutex
}

// NewConversationStore wraps an open database.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	if conv == nil || conv.ID == "" {
		return conversation.Validation("create conversation", "conversation id is required")
	}
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
	if err == nil {
		return conversation.Validation("create conversation", "conversation %q already exists", conv.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return conversation.Infrastructure("create conversation", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, message_count, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, len(conv.Messages), string(doc),
		formatTime(conv.Created), formatTime(conv.Updated),
	)
	if err != nil {
		return conversation.Infrastructure("create conversation", err)
	}
	return nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return s.get(ctx, id)
}

func (s *ConversationStore) UpdateConversation(ctx context.Context, id string, patch conversation.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	patch.Apply(conv)
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, message_count = ?, document = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, len(conv.Messages), string(doc), formatTime(conv.Updated), id,
	)
	if err != nil {
		return conversation.Infrastructure("update conversation", err)
	}
	return nil
}

func (s *ConversationStore) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, conversation.Infrastructure("list conversations", err)
	}
	defer rows.Close()

	var out []conversation.Summary
	for rows.Next() {
		var sum conversation.Summary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &created, &updated); err != nil {
			return nil, conversation.Infrastructure("list conversations", err)
		}
		sum.Created = parseTime(created)
		sum.Updated = parseTime(updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, conversation.Infrastructure("list conversations", err)
	}
	return out, nil
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return conversation.Infrastructure("delete conversation", err)
	}
	return nil
}

func (s *ConversationStore) get(ctx context.Context, id string) (*conversation.Conversation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM conversations WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.NotFound("get conversation", "conversation %q not found", id)
	}
	if err != nil {
		return nil, conversation.Infrastructure("get conversation", err)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal([]byte(doc), &conv); err != nil {
		return nil, conversation.Infrastructure("get conversation", fmt.Errorf("decode %s: %w", id, err))
	}
	return &conv, nil
}
