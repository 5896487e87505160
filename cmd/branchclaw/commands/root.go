// Package commands implements the branchclaw CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "branchclaw",
		Short: "Branching conversation agent for your notes vault",
		Long: `branchclaw is a conversational agent over a notes vault. Conversations
branch: regenerate any answer, or spawn sub-agents that research on their
own branch and report back.

Examples:
  branchclaw setup
  branchclaw chat "what did I plan for the garden?"
  branchclaw serve
  branchclaw runs list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newConversationsCmd(),
		newRunsCmd(),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig loads --config, else the first config file found, else the
// defaults with environment overrides.
func loadConfig(cmd *cobra.Command) (*copilot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, path, err := copilot.LoadConfig(configPath)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if path != "" {
		slog.Debug("config loaded", "path", path)
	}
	return cfg, nil
}

// newLogger builds the slog logger from the logging config and --verbose.
func newLogger(cmd *cobra.Command, cfg *copilot.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
