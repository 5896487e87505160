package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStorage keeps one JSON document per conversation under a directory,
// usually a hidden folder inside the vault.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations directory %q: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

// path maps an id to its document. Ids must be a single path element so a
// caller-supplied id cannot reach outside dir.
func (s *FileStorage) path(op, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") || filepath.Base(id) != id {
		return "", Validation(op, "invalid conversation id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FileStorage) CreateConversation(_ context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return Validation("create conversation", "conversation id is required")
	}
	p, err := s.path("create conversation", conv.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(p); err == nil {
		return Validation("create conversation", "conversation %q already exists", conv.ID)
	}
	return s.write(conv)
}

func (s *FileStorage) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStorage) UpdateConversation(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(id)
	if err != nil {
		return err
	}
	patch.Apply(conv)
	return s.write(conv)
}

func (s *FileStorage) ListConversations(_ context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read conversations directory: %w", err)
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		conv, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, Summarize(conv))
	}
	SortSummaries(out)
	return out, nil
}

func (s *FileStorage) DeleteConversation(_ context.Context, id string) error {
	p, err := s.path("delete conversation", id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete conversation file: %w", err)
	}
	return nil
}

func (s *FileStorage) read(id string) (*Conversation, error) {
	p, err := s.path("get conversation", id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound("get conversation", "conversation %q not found", id)
		}
		return nil, Infrastructure("get conversation", err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, Infrastructure("get conversation", fmt.Errorf("decode %s: %w", id, err))
	}
	return &conv, nil
}

// write replaces the document atomically via a temp file and rename.
func (s *FileStorage) write(conv *Conversation) error {
	p, err := s.path("write conversation", conv.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, conv.ID+".*.tmp")
	if err != nil {
		return Infrastructure("write conversation", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Infrastructure("write conversation", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Infrastructure("write conversation", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return Infrastructure("write conversation", err)
	}
	return nil
}
