// Package copilot – config.go defines all configuration structures
// for the branchclaw agent engine.
package copilot

import (
	"strings"
)

// ProviderKeyNames maps provider IDs to their standard API key variable names.
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"ollama":     "OLLAMA_API_KEY",
	"custom":     "CUSTOM_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a provider.
// Falls back to "API_KEY" for unknown providers.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds all engine configuration. YAML values are loaded over
// DefaultConfig and BRANCHCLAW_* environment variables override both.
type Config struct {
	// Name is the assistant name used in the system prompt.
	Name string `yaml:"name" env:"BRANCHCLAW_NAME"`

	// Model is the LLM model to use (e.g. "gpt-4o-mini").
	Model string `yaml:"model" env:"BRANCHCLAW_MODEL"`

	// MaxTokens caps each completion (0 = provider default).
	MaxTokens int `yaml:"max_tokens" env:"BRANCHCLAW_MAX_TOKENS"`

	// Temperature is passed through when set.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// Instructions is the base system prompt for main-line turns.
	Instructions string `yaml:"instructions"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Vault is the notes directory the storage and search tools operate on.
	Vault VaultConfig `yaml:"vault"`

	// Agent configures the tool execution loop.
	Agent AgentConfig `yaml:"agent"`

	// Subagents configures the sub-agent executor.
	Subagents SubagentConfig `yaml:"subagents"`

	// Storage selects the conversation storage backend.
	Storage StorageConfig `yaml:"storage"`

	// Database configures the sqlite database used for runs, memories and
	// (with storage.backend=sqlite) conversations.
	Database DatabaseConfig `yaml:"database"`

	// Gateway configures the HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Scheduler configures periodic maintenance jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM provider.
type APIConfig struct {
	// BaseURL is the API base URL. Examples:
	//   https://api.openai.com/v1     (OpenAI)
	//   https://openrouter.ai/api/v1  (OpenRouter)
	//   http://localhost:11434/v1     (Ollama)
	BaseURL string `yaml:"base_url" env:"BRANCHCLAW_BASE_URL"`

	// APIKey is the authentication key for the provider.
	APIKey string `yaml:"api_key" env:"BRANCHCLAW_API_KEY"`

	// Provider selects the client ("openai", "anthropic", "openrouter", "ollama", "custom").
	Provider string `yaml:"provider" env:"BRANCHCLAW_PROVIDER"`

	// MaxRetries is how many times a failed request is retried before any
	// output was streamed (429 and 5xx only).
	MaxRetries int `yaml:"max_retries" env:"BRANCHCLAW_MAX_RETRIES"`
}

// VaultConfig configures the notes directory.
type VaultConfig struct {
	// Root is the vault directory (default: "./vault").
	Root string `yaml:"root" env:"BRANCHCLAW_VAULT_ROOT"`

	// MaxReadBytes caps storage.read output (default: 256 KiB).
	MaxReadBytes int `yaml:"max_read_bytes"`

	// MaxSearchResults caps search results (default: 50).
	MaxSearchResults int `yaml:"max_search_results"`
}

// AgentConfig configures the tool execution loop.
type AgentConfig struct {
	// MaxIterations is the model call cap per turn (default: 10).
	MaxIterations int `yaml:"max_iterations" env:"BRANCHCLAW_MAX_ITERATIONS"`
}

// StorageConfig selects the conversation storage backend.
type StorageConfig struct {
	// Backend is "sqlite" (default), "file" or "memory".
	Backend string `yaml:"backend" env:"BRANCHCLAW_STORAGE"`

	// Dir is the directory used by the file backend (default: "./data/conversations").
	Dir string `yaml:"dir"`
}

// DatabaseConfig configures the sqlite database.
type DatabaseConfig struct {
	// Path is the database file path (default: "./data/branchclaw.db").
	Path string `yaml:"path" env:"BRANCHCLAW_DB_PATH"`
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	// Enabled turns the gateway on/off for "serve" (default: true).
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8085").
	Address string `yaml:"address" env:"BRANCHCLAW_GATEWAY_ADDRESS"`

	// AuthToken is the Bearer token for /api/* (empty = no auth).
	AuthToken string `yaml:"auth_token" env:"BRANCHCLAW_GATEWAY_TOKEN"`

	// CORSOrigins lists allowed origins for CORS (empty = no CORS).
	CORSOrigins []string `yaml:"cors_origins"`
}

// SchedulerConfig configures the maintenance jobs.
type SchedulerConfig struct {
	// Enabled turns the maintenance scheduler on/off.
	Enabled bool `yaml:"enabled"`

	// PruneSchedule is the cron spec for pruning finished runs (default: "@daily").
	PruneSchedule string `yaml:"prune_schedule"`

	// CleanupSchedule is the cron spec for evicting finished runs from
	// memory (default: "@every 10m").
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// RunRetentionDays is how long finished runs are kept in the database (default: 30).
	RunRetentionDays int `yaml:"run_retention_days"`

	// RunMemoryMinutes is how long finished runs stay in memory (default: 60).
	RunMemoryMinutes int `yaml:"run_memory_minutes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level" env:"BRANCHCLAW_LOG_LEVEL"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format" env:"BRANCHCLAW_LOG_FORMAT"`
}

// DefaultMaxIterations is the loop cap when none is configured.
const DefaultMaxIterations = 10

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "Branchclaw",
		Model: "gpt-4o-mini",
		API: APIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Provider:   "openai",
			MaxRetries: 2,
		},
		Instructions: "You are a helpful assistant working inside the user's notes vault. " +
			"Use the available tools to read, search and organise notes. Be concise.",
		Vault: VaultConfig{
			Root:             "./vault",
			MaxReadBytes:     256 * 1024,
			MaxSearchResults: 50,
		},
		Agent: AgentConfig{
			MaxIterations: DefaultMaxIterations,
		},
		Subagents: DefaultSubagentConfig(),
		Storage: StorageConfig{
			Backend: "sqlite",
			Dir:     "./data/conversations",
		},
		Database: DatabaseConfig{
			Path: "./data/branchclaw.db",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: ":8085",
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			PruneSchedule:    "@daily",
			CleanupSchedule:  "@every 10m",
			RunRetentionDays: 30,
			RunMemoryMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
