// Package database provides the sqlite persistence for branchclaw. A single
// branchclaw.db file holds conversations, sub-agent runs and agent memory.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "./data/branchclaw.db"

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Conversations: the whole tree is one JSON document.
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    title         TEXT NOT NULL DEFAULT '',
    message_count INTEGER NOT NULL DEFAULT 0,
    document      TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

-- Sub-agent runs
CREATE TABLE IF NOT EXISTS subagent_runs (
    id                TEXT PRIMARY KEY,
    conversation_id   TEXT NOT NULL,
    parent_message_id TEXT NOT NULL DEFAULT '',
    branch_id         TEXT NOT NULL DEFAULT '',
    task              TEXT NOT NULL,
    persona           TEXT DEFAULT '',
    model             TEXT DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'running',
    iterations        INTEGER DEFAULT 0,
    max_iterations    INTEGER DEFAULT 0,
    result            TEXT DEFAULT '',
    error             TEXT DEFAULT '',
    started_at        TEXT NOT NULL,
    completed_at      TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_subagent_runs_conversation ON subagent_runs(conversation_id);
CREATE INDEX IF NOT EXISTS idx_subagent_runs_status ON subagent_runs(status);

-- Long-term agent memory
CREATE TABLE IF NOT EXISTS memories (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    content    TEXT NOT NULL,
    category   TEXT NOT NULL DEFAULT 'fact',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`

// OpenDatabase opens (or creates) the database at path. It enables WAL mode
// for concurrent readers and creates all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}
