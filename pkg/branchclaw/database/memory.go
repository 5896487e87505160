package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// MemoryStore implements copilot.MemoryStore on the memories table.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore wraps an open database.
func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

func (s *MemoryStore) Remember(ctx context.Context, content, category string) (copilot.MemoryEntry, error) {
	entry := copilot.MemoryEntry{Content: content, Category: category, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (content, category, created_at) VALUES (?, ?, ?)`,
		content, category, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return copilot.MemoryEntry{}, fmt.Errorf("save memory: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return copilot.MemoryEntry{}, fmt.Errorf("save memory: %w", err)
	}
	return entry, nil
}

// Recall returns the newest entries whose content contains every word of
// query, case-insensitively. An empty query matches everything.
func (s *MemoryStore) Recall(ctx context.Context, query string, limit int) ([]copilot.MemoryEntry, error) {
	var where []string
	var args []any
	for _, word := range strings.Fields(query) {
		where = append(where, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(word)+"%")
	}
	q := `SELECT id, content, category, created_at FROM memories`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	var out []copilot.MemoryEntry
	for rows.Next() {
		var e copilot.MemoryEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Content, &e.Category, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *MemoryStore) Forget(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("forget memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return copilot.ErrMemoryNotFound(id)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
