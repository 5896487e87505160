// Package copilot – memory_tools.go implements the "memory" capability area:
// long-term facts the agent keeps across conversations.
package copilot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// MemoryEntry is one remembered fact.
type MemoryEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryStore persists memory entries.
type MemoryStore interface {
	Remember(ctx context.Context, content, category string) (MemoryEntry, error)
	Recall(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	Forget(ctx context.Context, id int64) error
}

var memoryCategories = []string{"fact", "preference", "event", "summary"}

// RegisterMemoryTools registers remember, recall and forget. All three are
// internal: memory belongs to the agent, not to external callers.
func RegisterMemoryTools(registry *ToolRegistry, store MemoryStore) {
	registry.MustRegister("memory",
		Operation{
			Name:        "remember",
			Description: "Save a fact or preference to long-term memory.",
			Parameters: objectSchema(map[string]any{
				"content":  map[string]any{"type": "string", "minLength": 1},
				"category": map[string]any{"type": "string", "enum": memoryCategories},
			}, "content"),
			Internal: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				category := stringArg(args, "category")
				if category == "" {
					category = "fact"
				}
				entry, err := store.Remember(ctx, strings.TrimSpace(stringArg(args, "content")), category)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Saved to memory [%s] #%d", entry.Category, entry.ID), nil
			},
		},
		Operation{
			Name:        "recall",
			Description: "Search long-term memory. An empty query returns the most recent entries.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
			}),
			Internal: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit := intArg(args, "limit")
				if limit <= 0 {
					limit = 10
				}
				entries, err := store.Recall(ctx, stringArg(args, "query"), limit)
				if err != nil {
					return nil, err
				}
				if len(entries) == 0 {
					return "No memories found.", nil
				}
				return entries, nil
			},
		},
		Operation{
			Name:        "forget",
			Description: "Delete a memory entry by id.",
			Parameters: objectSchema(map[string]any{
				"id": map[string]any{"type": "integer", "minimum": 1},
			}, "id"),
			Internal: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id := int64(intArg(args, "id"))
				if err := store.Forget(ctx, id); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Forgot memory #%d", id), nil
			},
		},
	)
}

// ErrMemoryNotFound builds the NotFound error memory stores return.
func ErrMemoryNotFound(id int64) error {
	return conversation.NotFound("memory.forget", "memory #%d not found", id)
}
