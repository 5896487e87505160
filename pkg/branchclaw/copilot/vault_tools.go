// Package copilot – vault_tools.go exposes the notes vault through the
// "storage" and "search" capability areas. Every path is resolved inside
// the vault root; anything that escapes it is rejected before touching disk.
package copilot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// Vault is a directory of notes.
type Vault struct {
	root       string
	maxRead    int
	maxResults int
}

// NewVault opens the vault at cfg.Root, creating the directory if needed.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Root == "" {
		return nil, errors.New("vault root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	v := &Vault{root: root, maxRead: cfg.MaxReadBytes, maxResults: cfg.MaxSearchResults}
	if v.maxRead <= 0 {
		v.maxRead = 100 * 1024
	}
	if v.maxResults <= 0 {
		v.maxResults = 50
	}
	return v, nil
}

// Root returns the absolute vault directory.
func (v *Vault) Root() string { return v.root }

// resolve maps a vault-relative path to an absolute one inside the root.
func (v *Vault) resolve(op, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return v.root, nil
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(p, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", conversation.Validation(op, "path %q is outside the vault", p)
	}
	full := filepath.Join(v.root, clean)

	// Symlinks must not lead out of the vault either. Paths that do not exist
	// yet are checked through their nearest existing ancestor.
	for dir := full; ; dir = filepath.Dir(dir) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !v.inside(resolved) {
				return "", conversation.Validation(op, "path %q is outside the vault", p)
			}
			break
		}
		if dir == v.root || dir == filepath.Dir(dir) {
			break
		}
	}
	return full, nil
}

func (v *Vault) inside(abs string) bool {
	rel, err := filepath.Rel(v.root, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (v *Vault) rel(abs string) string {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// notFoundOr turns missing files into NotFound errors.
func notFoundOr(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return conversation.NotFound(op, "%s does not exist", p)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// ReadFile returns the content of a note, truncated at the read limit.
func (v *Vault) ReadFile(_ context.Context, p string) (string, error) {
	full, err := v.resolve("storage.read", p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", notFoundOr("storage.read", p, err)
	}
	text := string(data)
	if len(text) > v.maxRead {
		text = cutUTF8(text, v.maxRead) + fmt.Sprintf("\n... [truncated at %s]", humanize.IBytes(uint64(v.maxRead)))
	}
	return text, nil
}

// WriteFile replaces a note, creating parent folders.
func (v *Vault) WriteFile(p, content string) error {
	full, err := v.resolve("storage.write", p)
	if err != nil {
		return err
	}
	if full == v.root {
		return conversation.Validation("storage.write", "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

// AppendFile appends to a note, creating it when missing.
func (v *Vault) AppendFile(p, content string) error {
	full, err := v.resolve("storage.append", p)
	if err != nil {
		return err
	}
	if full == v.root {
		return conversation.Validation("storage.append", "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("appending: %w", err)
	}
	return f.Close()
}

// VaultEntry is one item of a listing.
type VaultEntry struct {
	Path  string `json:"path"`
	Dir   bool   `json:"dir,omitempty"`
	Size  int64  `json:"size"`
	Human string `json:"human_size,omitempty"`
}

// List returns the entries of a folder, recursively when asked. Hidden
// entries are skipped.
func (v *Vault) List(p string, recursive bool) ([]VaultEntry, error) {
	full, err := v.resolve("storage.list", p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, notFoundOr("storage.list", p, err)
	}
	if !info.IsDir() {
		return nil, conversation.Validation("storage.list", "%s is not a folder", p)
	}

	var out []VaultEntry
	err = filepath.WalkDir(full, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == full {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entry := VaultEntry{Path: v.rel(path), Dir: d.IsDir()}
		if fi, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = fi.Size()
			entry.Human = humanize.IBytes(uint64(fi.Size()))
		}
		out = append(out, entry)
		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes a note or an empty folder.
func (v *Vault) Delete(p string) error {
	full, err := v.resolve("storage.delete", p)
	if err != nil {
		return err
	}
	if full == v.root {
		return conversation.Validation("storage.delete", "cannot delete the vault root")
	}
	if err := os.Remove(full); err != nil {
		return notFoundOr("storage.delete", p, err)
	}
	return nil
}

// Move renames a note or folder. The destination must not exist.
func (v *Vault) Move(from, to string) error {
	src, err := v.resolve("storage.move", from)
	if err != nil {
		return err
	}
	dst, err := v.resolve("storage.move", to)
	if err != nil {
		return err
	}
	if src == v.root || dst == v.root {
		return conversation.Validation("storage.move", "cannot move the vault root")
	}
	if _, err := os.Stat(src); err != nil {
		return notFoundOr("storage.move", from, err)
	}
	if _, err := os.Stat(dst); err == nil {
		return conversation.Validation("storage.move", "%s already exists", to)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return os.Rename(src, dst)
}

// CreateFolder creates a folder and its parents.
func (v *Vault) CreateFolder(p string) error {
	full, err := v.resolve("storage.create_folder", p)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

// SearchMatch is one matching line.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchContent finds lines containing query, case-insensitively.
func (v *Vault) SearchContent(ctx context.Context, query, folder string) ([]SearchMatch, bool, error) {
	base, err := v.resolve("search.content", folder)
	if err != nil {
		return nil, false, err
	}
	needle := strings.ToLower(query)
	var (
		matches   []SearchMatch
		truncated bool
	)
	err = v.walkFiles(base, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			if len(matches) >= v.maxResults {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, SearchMatch{Path: v.rel(path), Line: n, Text: truncate(strings.TrimSpace(line), 200)})
		}
		return nil
	})
	return matches, truncated, err
}

// SearchFilename finds files whose vault-relative path matches a glob.
// Patterns without a slash match the base name; "**" spans folders.
func (v *Vault) SearchFilename(ctx context.Context, pattern, folder string) ([]string, bool, error) {
	base, err := v.resolve("search.filename", folder)
	if err != nil {
		return nil, false, err
	}
	if _, err := filepath.Match(strings.ReplaceAll(pattern, "**", "*"), ""); err != nil {
		return nil, false, conversation.Validation("search.filename", "bad pattern %q: %v", pattern, err)
	}
	var (
		out       []string
		truncated bool
	)
	err = v.walkFiles(base, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(base, path)
		rel = filepath.ToSlash(rel)
		if !matchGlob(pattern, rel) {
			return nil
		}
		if len(out) >= v.maxResults {
			truncated = true
			return filepath.SkipAll
		}
		out = append(out, v.rel(path))
		return nil
	})
	return out, truncated, err
}

// walkFiles calls fn for every non-hidden regular file under base.
func (v *Vault) walkFiles(base string, fn func(path string) error) error {
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != base && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		return fn(path)
	})
}

// matchGlob matches a slash-separated path against a glob with "**".
func matchGlob(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(filepath.FromSlash(rel)))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, parts []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pat[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := filepath.Match(pat[0], parts[0]); !ok {
			return false
		}
		pat, parts = pat[1:], parts[1:]
	}
	return len(parts) == 0
}

var pathParam = map[string]any{"type": "string", "description": "Vault-relative path, e.g. \"projects/ideas.md\"."}

// RegisterVaultTools registers the storage and search areas over v.
func RegisterVaultTools(registry *ToolRegistry, v *Vault) {
	registry.MustRegister("storage",
		Operation{
			Name:        "read",
			Description: "Read a note.",
			Parameters:  objectSchema(map[string]any{"path": pathParam}, "path"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return v.ReadFile(ctx, stringArg(args, "path"))
			},
		},
		Operation{
			Name:        "write",
			Description: "Create or overwrite a note. Parent folders are created.",
			Parameters: objectSchema(map[string]any{
				"path":    pathParam,
				"content": map[string]any{"type": "string"},
			}, "path", "content"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				p, content := stringArg(args, "path"), stringArg(args, "content")
				if err := v.WriteFile(p, content); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Wrote %s to %s", humanize.IBytes(uint64(len(content))), p), nil
			},
		},
		Operation{
			Name:        "append",
			Description: "Append text to a note, creating it if needed.",
			Parameters: objectSchema(map[string]any{
				"path":    pathParam,
				"content": map[string]any{"type": "string"},
			}, "path", "content"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				p, content := stringArg(args, "path"), stringArg(args, "content")
				if err := v.AppendFile(p, content); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Appended %s to %s", humanize.IBytes(uint64(len(content))), p), nil
			},
		},
		Operation{
			Name:        "list",
			Description: "List notes and folders. Defaults to the vault root.",
			Parameters: objectSchema(map[string]any{
				"path":      pathParam,
				"recursive": map[string]any{"type": "boolean"},
			}),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				return v.List(stringArg(args, "path"), boolArg(args, "recursive"))
			},
		},
		Operation{
			Name:        "delete",
			Description: "Delete a note or an empty folder.",
			Parameters:  objectSchema(map[string]any{"path": pathParam}, "path"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				p := stringArg(args, "path")
				if err := v.Delete(p); err != nil {
					return nil, err
				}
				return "Deleted " + p, nil
			},
		},
		Operation{
			Name:        "move",
			Description: "Move or rename a note or folder.",
			Parameters: objectSchema(map[string]any{
				"from": pathParam,
				"to":   pathParam,
			}, "from", "to"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				from, to := stringArg(args, "from"), stringArg(args, "to")
				if err := v.Move(from, to); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Moved %s to %s", from, to), nil
			},
		},
		Operation{
			Name:        "create_folder",
			Description: "Create a folder and any missing parents.",
			Parameters:  objectSchema(map[string]any{"path": pathParam}, "path"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				p := stringArg(args, "path")
				if err := v.CreateFolder(p); err != nil {
					return nil, err
				}
				return "Created " + p, nil
			},
		},
	)

	registry.MustRegister("search",
		Operation{
			Name:        "content",
			Description: "Find lines containing the query (case-insensitive). Returns path, line number and text.",
			Parameters: objectSchema(map[string]any{
				"query":  map[string]any{"type": "string", "minLength": 1},
				"folder": pathParam,
			}, "query"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				matches, truncated, err := v.SearchContent(ctx, stringArg(args, "query"), stringArg(args, "folder"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"matches": matches, "truncated": truncated}, nil
			},
		},
		Operation{
			Name:        "filename",
			Description: "Find notes by glob, e.g. \"*.md\" or \"projects/**/todo*.md\".",
			Parameters: objectSchema(map[string]any{
				"pattern": map[string]any{"type": "string", "minLength": 1},
				"folder":  pathParam,
			}, "pattern"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				paths, truncated, err := v.SearchFilename(ctx, stringArg(args, "pattern"), stringArg(args, "folder"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"paths": paths, "truncated": truncated}, nil
			},
		},
	)
}

// objectSchema builds a JSON schema for an argument object.
func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
