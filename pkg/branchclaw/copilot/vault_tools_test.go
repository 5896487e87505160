package copilot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

func newTestVault(t *testing.T) (*Vault, *ToolRegistry) {
	t.Helper()
	v, err := NewVault(VaultConfig{Root: t.TempDir(), MaxSearchResults: 5})
	if err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"inbox.md":              "Call Alice\nBuy milk\n",
		"projects/garden.md":    "Plant TOMATOES in May\n",
		"projects/2024/todo.md": "tomatoes again\n",
		".obsidian/config":      "tomatoes hidden\n",
	}
	for p, content := range files {
		full := filepath.Join(v.Root(), filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	registry := NewToolRegistry(nil)
	RegisterVaultTools(registry, v)
	return v, registry
}

func TestVault_PathsStayInsideRoot(t *testing.T) {
	t.Parallel()
	v, registry := newTestVault(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(v.Root(), "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"parent traversal read", "storage.read", map[string]any{"path": "../secret.txt"}},
		{"nested traversal write", "storage.write", map[string]any{"path": "projects/../../x.md", "content": "x"}},
		{"symlink out", "storage.write", map[string]any{"path": "escape/x.md", "content": "x"}},
		{"move out", "storage.move", map[string]any{"from": "inbox.md", "to": "../inbox.md"}},
		{"search out", "search.content", map[string]any{"query": "x", "folder": ".."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := registry.InvokeName(context.Background(), tt.tool, tt.args)
			if res.Success || res.Code != "VALIDATION" {
				t.Errorf("result = %+v, want VALIDATION failure", res)
			}
		})
	}
	if entries, _ := os.ReadDir(outside); len(entries) != 0 {
		t.Errorf("wrote outside the vault: %v", entries)
	}
}

func TestVault_StorageOperations(t *testing.T) {
	t.Parallel()
	v, registry := newTestVault(t)
	ctx := context.Background()

	invoke := func(tool string, args map[string]any) conversation.ToolResult {
		t.Helper()
		res := registry.InvokeName(ctx, tool, args)
		if !res.Success {
			t.Fatalf("%s failed: %s", tool, res.Error)
		}
		return res
	}

	invoke("storage.write", map[string]any{"path": "notes/new.md", "content": "first"})
	invoke("storage.append", map[string]any{"path": "notes/new.md", "content": "\nsecond"})
	if got := invoke("storage.read", map[string]any{"path": "notes/new.md"}).Data; got != "first\nsecond" {
		t.Errorf("read = %q", got)
	}

	invoke("storage.move", map[string]any{"from": "notes/new.md", "to": "archive/new.md"})
	if res := registry.InvokeName(ctx, "storage.read", map[string]any{"path": "notes/new.md"}); res.Code != "NOT_FOUND" {
		t.Errorf("read after move = %+v", res)
	}
	if res := registry.InvokeName(ctx, "storage.move", map[string]any{"from": "inbox.md", "to": "archive/new.md"}); res.Code != "VALIDATION" {
		t.Errorf("move onto existing = %+v", res)
	}

	invoke("storage.create_folder", map[string]any{"path": "empty/deep"})
	invoke("storage.delete", map[string]any{"path": "empty/deep"})

	entries, err := v.List("", false)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"archive", "empty", "inbox.md", "notes", "projects"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	if res := registry.InvokeName(ctx, "storage.write", map[string]any{"path": "x.md"}); res.Code != "VALIDATION" {
		t.Errorf("missing content = %+v", res)
	}
}

func TestVault_Search(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	matches, truncated, err := v.SearchContent(ctx, "tomatoes", "")
	if err != nil || truncated {
		t.Fatalf("SearchContent: %v truncated=%v", err, truncated)
	}
	want := []SearchMatch{
		{Path: "projects/2024/todo.md", Line: 1, Text: "tomatoes again"},
		{Path: "projects/garden.md", Line: 1, Text: "Plant TOMATOES in May"},
	}
	if diff := cmp.Diff(want, matches); diff != "" {
		t.Errorf("content search mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"*.md", []string{"inbox.md", "projects/2024/todo.md", "projects/garden.md"}},
		{"projects/*.md", []string{"projects/garden.md"}},
		{"projects/**/*.md", []string{"projects/2024/todo.md", "projects/garden.md"}},
		{"todo*", []string{"projects/2024/todo.md"}},
	}
	for _, tt := range tests {
		got, _, err := v.SearchFilename(ctx, tt.pattern, "")
		if err != nil {
			t.Fatalf("%s: %v", tt.pattern, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.pattern, diff)
		}
	}

	if _, _, err := v.SearchFilename(ctx, "[", ""); conversation.KindOf(err) != conversation.KindValidation {
		t.Errorf("bad pattern: %v", err)
	}
}

func TestVault_ReadTruncates(t *testing.T) {
	t.Parallel()
	v, err := NewVault(VaultConfig{Root: t.TempDir(), MaxReadBytes: 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.WriteFile("long.md", strings.Repeat("x", 50)); err != nil {
		t.Fatal(err)
	}
	got, err := v.ReadFile(context.Background(), "long.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, strings.Repeat("x", 10)+"\n... [truncated") {
		t.Errorf("read = %q", got)
	}
}
