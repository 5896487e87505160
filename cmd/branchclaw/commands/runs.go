package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/database"
)

// newRunsCmd creates the `branchclaw runs` command for sub-agent history.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and prune sub-agent runs",
		Long: `Sub-agent runs are recorded in the database. Runs still marked running
when the process stopped are reported as abandoned on the next start.

Examples:
  branchclaw runs list
  branchclaw runs list --limit 50
  branchclaw runs show 4b1d...
  branchclaw runs prune --days 7`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE:  runRunsList,
	}
	list.Flags().Int("limit", 20, "maximum runs to list (0 = all)")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than --days",
		RunE:  runRunsPrune,
	}
	prune.Flags().Int("days", 0, "retention in days (default: scheduler.run_retention_days)")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print one run",
			Args:  cobra.ExactArgs(1),
			RunE:  runRunsShow,
		},
		prune,
	)
	return cmd
}

// withRunStore opens the run history for a one-off command.
func withRunStore(cmd *cobra.Command, fn func(*copilot.Config, *database.RunStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	newLogger(cmd, cfg, cmd.ErrOrStderr())

	db, err := database.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(cfg, database.NewRunStore(db))
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withRunStore(cmd, func(_ *copilot.Config, store *database.RunStore) error {
		runs, err := store.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sub-agent runs recorded.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tITER\tSTARTED\tDURATION\tTASK")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				shortID(r.ID), r.Status, r.Iterations, r.MaxIterations,
				humanize.Time(r.StartedAt), runDuration(r), truncateLine(r.Task, 50))
		}
		return tw.Flush()
	})
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	return withRunStore(cmd, func(_ *copilot.Config, store *database.RunStore) error {
		r, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if r == nil {
			return copilot.ErrRunNotFound
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run:          %s\n", r.ID)
		fmt.Fprintf(out, "Conversation: %s\n", r.ConversationID)
		fmt.Fprintf(out, "Branch:       %s (on message %s)\n", r.BranchID, r.ParentMessageID)
		fmt.Fprintf(out, "Status:       %s\n", r.Status)
		fmt.Fprintf(out, "Iterations:   %d/%d\n", r.Iterations, r.MaxIterations)
		if r.Persona != "" {
			fmt.Fprintf(out, "Persona:      %s\n", r.Persona)
		}
		if r.Model != "" {
			fmt.Fprintf(out, "Model:        %s\n", r.Model)
		}
		fmt.Fprintf(out, "Started:      %s (%s)\n", r.StartedAt.Local().Format(time.DateTime), humanize.Time(r.StartedAt))
		fmt.Fprintf(out, "Duration:     %s\n", runDuration(r))
		fmt.Fprintf(out, "Task:         %s\n", r.Task)
		if r.Error != "" {
			fmt.Fprintf(out, "Error:        %s\n", r.Error)
		}
		if r.Result != "" {
			fmt.Fprintf(out, "\n%s\n", r.Result)
		}
		return nil
	})
}

func runRunsPrune(cmd *cobra.Command, _ []string) error {
	days, _ := cmd.Flags().GetInt("days")
	return withRunStore(cmd, func(cfg *copilot.Config, store *database.RunStore) error {
		if days == 0 {
			days = cfg.Scheduler.RunRetentionDays
		}
		if days <= 0 {
			return errors.New("--days must be positive")
		}
		n, err := store.PruneRuns(cmd.Context(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s finished runs older than %d days.\n", humanize.Comma(int64(n)), days)
		return nil
	})
}

func runDuration(r *copilot.SubagentRun) string {
	if r.CompletedAt.IsZero() {
		if r.Running() {
			return "running"
		}
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
}
