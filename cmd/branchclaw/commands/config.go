package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// newConfigCmd creates the `branchclaw config` command for managing configuration.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and credentials",
		Long: `Inspect the effective configuration and manage the API key.

Examples:
  branchclaw config show
  branchclaw config path
  branchclaw config set-key
  branchclaw config delete-key`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			shown.API.APIKey = maskSecret(cfg.API.APIKey)
			shown.Gateway.AuthToken = maskSecret(cfg.Gateway.AuthToken)

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = copilot.FindConfigFile()
			}
			if path == "" {
				return errors.New("no config file found. Create one with: branchclaw setup")
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := copilot.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("empty key, nothing stored")
			}
			if err := copilot.StoreKeyring(copilot.KeyringAPIKey, key); err != nil {
				return fmt.Errorf("storing key in OS keyring: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the LLM API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := copilot.DeleteKeyring(copilot.KeyringAPIKey); err != nil {
				return fmt.Errorf("removing key from OS keyring: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
			return nil
		},
	}
}

// maskSecret keeps environment references and the last four characters.
func maskSecret(s string) string {
	switch {
	case s == "", copilot.IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
