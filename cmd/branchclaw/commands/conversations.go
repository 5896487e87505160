package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/database"
)

// newConversationsCmd creates the `branchclaw conversations` command.
func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect stored conversations",
		Long: `List, show and delete conversations in the configured storage backend.

Examples:
  branchclaw conversations list
  branchclaw conversations show 3f2a9c1e
  branchclaw conversations show 3f2a9c1e --json
  branchclaw conversations delete 3f2a9c1e`,
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation with its branches",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationsShow,
	}
	show.Flags().Bool("json", false, "print the stored document as JSON")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations, most recent first",
			RunE:  runConversationsList,
		},
		show,
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  runConversationsDelete,
		},
	)
	return cmd
}

// withStorage opens the configured conversation backend for a one-off command.
func withStorage(cmd *cobra.Command, fn func(conversation.Storage) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	newLogger(cmd, cfg, cmd.ErrOrStderr())

	var db *sql.DB
	if strings.EqualFold(cfg.Storage.Backend, "sqlite") || cfg.Storage.Backend == "" {
		db, err = database.OpenDatabase(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
	}
	storage, err := openStorage(cfg, db)
	if err != nil {
		return err
	}
	return fn(storage)
}

func runConversationsList(cmd *cobra.Command, _ []string) error {
	return withStorage(cmd, func(s conversation.Storage) error {
		list, err := s.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED")
		for _, c := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, truncateLine(c.Title, 40), c.MessageCount, humanize.Time(c.Updated))
		}
		return tw.Flush()
	})
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withStorage(cmd, func(s conversation.Storage) error {
		conv, err := s.GetConversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(conv)
		}
		fmt.Fprintf(out, "%s  %s  (created %s)\n\n", conv.ID, conv.Title, humanize.Time(conv.Created))
		printMessages(out, conv.Messages, "")
		return nil
	})
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(s conversation.Storage) error {
		if err := s.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	})
}

// printMessages renders messages and, indented below their owner, branches.
func printMessages(w io.Writer, msgs []conversation.Message, indent string) {
	for _, m := range msgs {
		state := ""
		if m.State != conversation.StateComplete {
			state = " [" + string(m.State) + "]"
		}
		fmt.Fprintf(w, "%s%-9s%s %s\n", indent, string(m.Role)+":", state, truncateLine(m.Content, 100))
		for _, tc := range m.ToolCalls {
			outcome := "pending"
			if tc.Result != nil {
				outcome = "ok"
				if !tc.Result.Success {
					outcome = "failed: " + tc.Result.Code
				}
			}
			fmt.Fprintf(w, "%s  -> %s (%s)\n", indent, tc.Name, outcome)
		}
		for _, b := range m.Branches {
			label := string(b.Type)
			if b.Type == conversation.BranchSubagent {
				label = fmt.Sprintf("subagent %s, %d iterations", b.Metadata.State, b.Metadata.Iterations)
			}
			fmt.Fprintf(w, "%s  +-- branch %s (%s)\n", indent, shortID(b.ID), label)
			printMessages(w, b.Messages, indent+"  |   ")
		}
	}
}
