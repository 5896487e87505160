package commands

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// defaultBaseURLs is the endpoint proposed for each provider.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"anthropic":  "https://api.anthropic.com",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
	"custom":     "",
}

// defaultModels is the model proposed for each provider.
var defaultModels = map[string]string{
	"openai":     "gpt-4o-mini",
	"anthropic":  "claude-sonnet-4-5",
	"openrouter": "openai/gpt-4o-mini",
	"ollama":     "llama3.1",
}

// newSetupCmd creates the `branchclaw setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your config.yaml.
Asks for the assistant name, LLM provider, model and vault directory.
The API key is stored in the OS keyring, never in the config file.

Examples:
  branchclaw setup
  branchclaw setup --config ./configs/config.yaml`,
		RunE: runSetup,
	}
}

// setupAnswers is what the wizard collects.
type setupAnswers struct {
	name      string
	provider  string
	baseURL   string
	model     string
	vaultRoot string
	apiKey    string
	path      string
	confirm   bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := copilot.DefaultConfig()
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = copilot.FindConfigFile()
	}
	if path != "" {
		if existing, err := copilot.LoadConfigFromFile(path); err == nil {
			cfg = existing
		}
	} else {
		path = "config.yaml"
	}

	a := setupAnswers{
		name:      cfg.Name,
		provider:  strings.ToLower(cfg.API.Provider),
		vaultRoot: cfg.Vault.Root,
		path:      path,
	}

	providerForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&a.name),
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(huh.NewOptions("openai", "anthropic", "openrouter", "ollama", "custom")...).
				Value(&a.provider),
		),
	)
	if err := providerForm.Run(); err != nil {
		return setupAborted(err)
	}

	// Propose the provider's endpoint and model unless the existing config
	// already targets this provider.
	if strings.EqualFold(cfg.API.Provider, a.provider) {
		a.baseURL, a.model = cfg.API.BaseURL, cfg.Model
	} else {
		a.baseURL, a.model = defaultBaseURLs[a.provider], defaultModels[a.provider]
	}

	detailsForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Value(&a.baseURL).
				Validate(validateBaseURL),
			huh.NewInput().
				Title("Model").
				Value(&a.model).
				Validate(required("model")),
			huh.NewInput().
				Title("Vault directory").
				Description("Notes the agent can read and search.").
				Value(&a.vaultRoot).
				Validate(required("vault directory")),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring. Leave empty to keep the current key.").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Config file").
				Value(&a.path).
				Validate(required("config file")),
			huh.NewConfirm().
				Title("Write configuration?").
				Affirmative("Yes").
				Negative("No").
				Value(&a.confirm),
		),
	)
	if err := detailsForm.Run(); err != nil {
		return setupAborted(err)
	}
	if !a.confirm {
		fmt.Println("Setup cancelled, nothing written.")
		return nil
	}

	cfg.Name = strings.TrimSpace(a.name)
	cfg.API.Provider = a.provider
	cfg.API.BaseURL = strings.TrimSpace(a.baseURL)
	cfg.Model = strings.TrimSpace(a.model)
	cfg.Vault.Root = strings.TrimSpace(a.vaultRoot)

	if key := strings.TrimSpace(a.apiKey); key != "" {
		cfg.API.APIKey = storeAPIKey(cfg.API.Provider, key)
	}

	if err := copilot.SaveConfigToFile(cfg, a.path); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", a.path)
	fmt.Println("Start chatting with: branchclaw chat")
	return nil
}

// storeAPIKey saves key to the OS keyring and returns the value to write
// into the config file: an environment reference, never the key itself.
func storeAPIKey(provider, key string) string {
	ref := "${" + copilot.GetProviderKeyName(provider) + "}"
	if err := copilot.StoreKeyring(copilot.KeyringAPIKey, key); err != nil {
		fmt.Printf("[!] OS keyring unavailable (%v).\n", err)
		fmt.Printf("    Export the key instead: export %s=...\n", copilot.GetProviderKeyName(provider))
		return ref
	}
	fmt.Println("API key stored in the OS keyring.")
	return ref
}

func setupAborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("setup aborted")
	}
	return err
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validateBaseURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("base URL is required")
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", s)
	}
	return nil
}
