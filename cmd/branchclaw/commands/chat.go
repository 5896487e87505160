package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// newChatCmd creates the `branchclaw chat` command.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent",
		Long: `Send a single message, or start an interactive session when no message
is given. Inside the session, lines starting with / are commands; type /help
for the list.

Examples:
  branchclaw chat "summarise my inbox"
  branchclaw chat --conversation 3f2a
  branchclaw chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("conversation", "", "continue an existing conversation (id or prefix)")
	cmd.Flags().StringP("model", "m", "", "model to use (overrides config)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Model = model
	}
	// Chat output goes to stdout; only warnings reach the log.
	if v, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !v {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := rt.orch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.orch.Stop(stopCtx)
	}()

	s := &chatSession{rt: rt, out: os.Stdout}
	convFlag, _ := cmd.Flags().GetString("conversation")
	if convFlag != "" {
		if err := s.open(ctx, convFlag); err != nil {
			return err
		}
	} else if err := s.newConversation(ctx, ""); err != nil {
		return err
	}
	unsubscribe := rt.orch.Events().Subscribe(s.onEvent)
	defer unsubscribe()

	if len(args) > 0 {
		return s.send(ctx, args[0])
	}
	return s.repl(ctx)
}

// chatSession renders one conversation in the terminal.
type chatSession struct {
	rt *runtime

	mu     sync.Mutex
	out    io.Writer
	convID string
}

func (s *chatSession) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

func (s *chatSession) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// onEvent streams main-line text and reports sub-agent outcomes.
func (s *chatSession) onEvent(ev copilot.Event) {
	if ev.ConversationID != s.current() {
		return
	}
	switch ev.Type {
	case copilot.EventMessageUpdated:
		if d, ok := ev.Data.(copilot.MessageDelta); ok && ev.BranchID == "" && d.TextDelta != "" {
			s.printf("%s", d.TextDelta)
		}
	case copilot.EventToolStarted:
		if ev.BranchID == "" {
			if m, ok := ev.Data.(map[string]any); ok {
				s.printf("\n  [tool] %v\n", m["tool"])
			}
		}
	case copilot.EventSubagentFinished:
		if run, ok := ev.Data.(*copilot.SubagentRun); ok {
			s.printf("\n  [sub-agent %s %s after %d iterations]\n", run.ID, run.Status, run.Iterations)
		}
	case copilot.EventTurnError:
		if ev.BranchID == "" {
			s.printf("\n  [error] %v\n", ev.Data)
		}
	}
}

// send runs one turn. Ctrl+C while it streams cancels the turn and keeps
// the partial answer.
func (s *chatSession) send(ctx context.Context, text string) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			s.rt.orch.CancelTurn(s.current())
		case <-done:
		}
	}()

	err := s.rt.orch.SendMessage(ctx, s.current(), text)
	close(done)
	stop()
	s.printf("\n")
	return err
}

func (s *chatSession) newConversation(ctx context.Context, title string) error {
	if title == "" {
		title = "Chat " + time.Now().Format("2006-01-02 15:04")
	}
	conv, err := s.rt.orch.NewConversation(ctx, title)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.convID = conv.ID
	s.mu.Unlock()
	return nil
}

// open switches to the conversation whose id starts with prefix.
func (s *chatSession) open(ctx context.Context, prefix string) error {
	list, err := s.rt.orch.Conversations(ctx)
	if err != nil {
		return err
	}
	var match []conversation.Summary
	for _, c := range list {
		if strings.HasPrefix(c.ID, prefix) {
			match = append(match, c)
		}
	}
	switch len(match) {
	case 0:
		return fmt.Errorf("no conversation matches %q", prefix)
	case 1:
		s.mu.Lock()
		s.convID = match[0].ID
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%q matches %d conversations", prefix, len(match))
	}
}

func (s *chatSession) repl(ctx context.Context) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(home, ".branchclaw_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	s.mu.Lock()
	s.out = rl.Stdout()
	s.mu.Unlock()
	s.printf("branchclaw: conversation %s. Type /help for commands.\n", shortID(s.current()))

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			// Ctrl+C cancels the running turn; on an empty line it exits.
			if s.rt.orch.CancelTurn(s.current()) {
				continue
			}
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				s.printf("  [!] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.send(ctx, line); err != nil {
			s.printf("  [!] %v\n", err)
		}
	}
}

const chatHelp = `Commands:
  /new [title]       start a new conversation
  /open <id>         switch to a conversation (id prefix)
  /list              list conversations
  /branches          list branches of this conversation
  /regen             regenerate the last answer on a new branch
  /spawn <task>      start a sub-agent on the last message
  /runs              list sub-agent runs
  /cancel [run]      cancel a sub-agent run, or the current turn
  /quit              exit
`

// command runs a slash command. It reports whether the session should end.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	orch := s.rt.orch

	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "h":
		s.printf("%s", chatHelp)
	case "new":
		if err := s.newConversation(ctx, arg); err != nil {
			return false, err
		}
		s.printf("  conversation %s\n", shortID(s.current()))
	case "open":
		return false, s.open(ctx, arg)
	case "list":
		list, err := orch.Conversations(ctx)
		if err != nil {
			return false, err
		}
		for _, c := range list {
			s.printf("  %s  %-30s %3d msgs  %s\n", shortID(c.ID), c.Title, c.MessageCount, c.Updated.Format(time.DateTime))
		}
	case "branches":
		refs, err := orch.Branches(ctx, s.current())
		if err != nil {
			return false, err
		}
		for _, ref := range refs {
			s.printf("  %s  %-8s on %s  %d msgs  %s\n", shortID(ref.Branch.ID), ref.Branch.Type,
				shortID(ref.OwningMessageID), len(ref.Branch.Messages), ref.Branch.Metadata.State)
		}
	case "regen":
		return false, s.regenerate(ctx)
	case "spawn":
		runID, err := orch.SpawnSubagent(ctx, s.current(), "", arg, copilot.SubagentOptions{})
		if err != nil {
			return false, err
		}
		s.printf("  sub-agent %s started\n", runID)
	case "runs":
		for _, run := range orch.Subagents().List() {
			s.printf("  %s  %-14s %2d/%-2d  %s\n", run.ID, run.Status, run.Iterations, run.MaxIterations, truncateLine(run.Task, 50))
		}
	case "cancel":
		if arg == "" {
			if !orch.CancelTurn(s.current()) {
				s.printf("  nothing to cancel\n")
			}
			return false, nil
		}
		return false, orch.CancelSubagent(arg)
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

// regenerate branches on the user message that prompted the last answer.
func (s *chatSession) regenerate(ctx context.Context) error {
	conv, err := s.rt.orch.Conversation(ctx, s.current())
	if err != nil {
		return err
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.Role == conversation.RoleUser && m.IsCommitted() {
			res, err := s.rt.orch.Regenerate(ctx, conv.ID, m.ID, "")
			if err != nil {
				return err
			}
			s.printf("  [branch] %s\n", res.Content)
			return nil
		}
	}
	return errors.New("no user message to regenerate from")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
