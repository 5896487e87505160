package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/database"
)

// writeConfig writes a config file pointing the database into a temp dir.
func writeConfig(t *testing.T, extra string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "branchclaw.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := "name: Tester\n" +
		"api:\n  provider: openai\n  api_key: sk-abcdefghijklmnopqrstuvwx1234\n" +
		"gateway:\n  auth_token: gateway-secret-token\n" +
		"database:\n  path: " + dbPath + "\n" + extra
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dbPath
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "chat", "setup", "config", "conversations", "runs", "completion"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().ShorthandLookup("c"))
	assert.NotNil(t, root.PersistentFlags().ShorthandLookup("v"))
}

func TestCompletion(t *testing.T) {
	out := execute(t, "completion", "bash")
	assert.Contains(t, out, "branchclaw")

	root := NewRootCmd("test")
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"completion", "tcsh"})
	assert.Error(t, root.Execute())
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	out := execute(t, "--config", cfgPath, "config", "show")

	assert.Contains(t, out, "name: Tester")
	assert.Contains(t, out, "****1234")
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwx1234")
	assert.NotContains(t, out, "gateway-secret-token")
}

func TestConversationsAndRuns(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "storage:\n  backend: sqlite\n")

	db, err := database.OpenDatabase(dbPath)
	require.NoError(t, err)
	store := database.NewConversationStore(db)
	conv := conversation.New("Garden plans")
	conv.Messages = append(conv.Messages, conversation.NewMessage(conversation.RoleUser, "what should I plant?"))
	require.NoError(t, store.CreateConversation(context.Background(), conv))

	runs := database.NewRunStore(db)
	started := time.Now().Add(-72 * time.Hour)
	require.NoError(t, runs.SaveRun(context.Background(), &copilot.SubagentRun{
		ID:             "run-old",
		ConversationID: conv.ID,
		Task:           "compare seed catalogues",
		Status:         conversation.BranchComplete,
		Iterations:     2,
		MaxIterations:  10,
		StartedAt:      started,
		CompletedAt:    started.Add(time.Minute),
	}))
	require.NoError(t, db.Close())

	out := execute(t, "--config", cfgPath, "conversations", "list")
	assert.Contains(t, out, conv.ID)
	assert.Contains(t, out, "Garden plans")

	out = execute(t, "--config", cfgPath, "conversations", "show", conv.ID)
	assert.Contains(t, out, "what should I plant?")

	out = execute(t, "--config", cfgPath, "runs", "list")
	assert.Contains(t, out, "compare seed catalogues")
	assert.Contains(t, out, "2/10")

	out = execute(t, "--config", cfgPath, "runs", "show", "run-old")
	assert.Contains(t, out, "Status:       complete")

	out = execute(t, "--config", cfgPath, "runs", "prune", "--days", "1")
	assert.Contains(t, out, "Pruned 1 finished runs")

	out = execute(t, "--config", cfgPath, "runs", "list")
	assert.Contains(t, out, "No sub-agent runs recorded.")
}

func TestOpenStorage(t *testing.T) {
	dir := t.TempDir()
	db, err := database.OpenDatabase(filepath.Join(dir, "x.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cases := []struct {
		backend string
		want    any
	}{
		{"", &database.ConversationStore{}},
		{"SQLite", &database.ConversationStore{}},
		{"file", &conversation.FileStorage{}},
		{"memory", &conversation.MemoryStorage{}},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg := copilot.DefaultConfig()
			cfg.Storage.Backend = tc.backend
			cfg.Storage.Dir = filepath.Join(dir, "conversations")
			s, err := openStorage(cfg, db)
			require.NoError(t, err)
			assert.IsType(t, tc.want, s)
		})
	}

	cfg := copilot.DefaultConfig()
	cfg.Storage.Backend = "redis"
	_, err = openStorage(cfg, db)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestPrintMessages(t *testing.T) {
	user := conversation.NewMessage(conversation.RoleUser, "research tomatoes")
	branch := conversation.NewBranch(conversation.BranchSubagent)
	branch.Metadata.State = conversation.BranchComplete
	branch.Metadata.Iterations = 3
	branch.Messages = []conversation.Message{conversation.NewMessage(conversation.RoleAssistant, "tomatoes like sun")}
	user.Branches = []conversation.Branch{branch}

	draft := conversation.NewMessage(conversation.RoleAssistant, "")
	draft.State = conversation.StateAborted

	var buf bytes.Buffer
	printMessages(&buf, []conversation.Message{user, draft}, "")
	out := buf.String()

	assert.Contains(t, out, "user:")
	assert.Contains(t, out, "subagent complete, 3 iterations")
	assert.Contains(t, out, "  |   assistant:")
	assert.Contains(t, out, "[aborted]")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "${OPENAI_API_KEY}", maskSecret("${OPENAI_API_KEY}"))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "****wxyz", maskSecret("sk-abcdefwxyz"))
}

func TestValidateBaseURL(t *testing.T) {
	assert.NoError(t, validateBaseURL("https://api.openai.com/v1"))
	assert.NoError(t, validateBaseURL(" http://localhost:11434/v1 "))
	assert.Error(t, validateBaseURL(""))
	assert.Error(t, validateBaseURL("api.openai.com"))
	assert.Error(t, validateBaseURL("ftp://example.com"))
}

func TestTruncateLine(t *testing.T) {
	assert.Equal(t, "a b", truncateLine("a\nb", 10))
	assert.Equal(t, "abc...", truncateLine("abcdef", 3))
	assert.True(t, strings.HasPrefix(shortID("0123456789"), "01234567"))
	assert.Equal(t, "abc", shortID("abc"))
}
