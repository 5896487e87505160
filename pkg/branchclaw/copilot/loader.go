// Package copilot – loader.go handles loading configuration from YAML files
// with credential management via environment variables and .env files.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Loads .env files, expands environment references and applies BRANCHCLAW_*
// overrides. Returns an error if a ${VAR:?error} reference is unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// LoadConfig loads path when given, else the first config file found in the
// standard locations, else defaults with environment overrides.
func LoadConfig(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		cfg, err := LoadConfigFromFile(path)
		return cfg, path, err
	}

	loadEnvFiles()
	cfg := DefaultConfig()
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	resolveSecrets(cfg)
	return cfg, "", nil
}

// ParseConfig parses YAML bytes into a Config, overlaying the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// Absent bools decode as false; keep the defaults unless set explicitly.
	defaults := DefaultConfig()
	if !sectionHasKey(raw, "gateway", "enabled") {
		cfg.Gateway.Enabled = defaults.Gateway.Enabled
	}
	if !sectionHasKey(raw, "scheduler", "enabled") {
		cfg.Scheduler.Enabled = defaults.Scheduler.Enabled
	}
	if !sectionHasKey(raw, "subagents", "enabled") {
		cfg.Subagents.Enabled = defaults.Subagents.Enabled
	}

	return cfg, nil
}

func sectionHasKey(raw map[string]any, section, key string) bool {
	m, ok := raw[section].(map[string]any)
	if !ok {
		return false
	}
	_, set := m[key]
	return set
}

// ApplyEnvOverrides applies BRANCHCLAW_* variables declared on Config fields.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// SaveConfigToFile writes a Config as YAML to path. The API key is replaced
// with an environment reference when the environment holds the same value.
// The previous file is kept as path.bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, GetProviderKeyName(cfg.API.Provider), "BRANCHCLAW_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"branchclaw.yaml",
		"branchclaw.yml",
		"configs/config.yaml",
		"configs/branchclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns when the API key looks hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) && looksLikeRealKey(cfg.API.APIKey) {
		if os.Getenv("BRANCHCLAW_API_KEY") == cfg.API.APIKey || os.Getenv(GetProviderKeyName(cfg.API.Provider)) == cfg.API.APIKey {
			return
		}
		logger.Warn("API key appears to be hardcoded in config. "+
			"Use the BRANCHCLAW_API_KEY environment variable or the OS keyring instead.",
			"hint", "branchclaw config set-key")
	}
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references. Unset references without a modifier are kept verbatim.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("config error: %s - %s", name, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveSecrets fills the API key from the environment when the config
// value is empty or an unresolved reference.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return
	}
	for _, name := range []string{"BRANCHCLAW_API_KEY", GetProviderKeyName(cfg.API.Provider)} {
		if key := os.Getenv(name); key != "" {
			cfg.API.APIKey = key
			return
		}
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory so the process can start from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Vault.Root = resolvePathFromConfig(cfg.Vault.Root, dir)
	cfg.Storage.Dir = resolvePathFromConfig(cfg.Storage.Dir, dir)
	cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, dir)
}

// resolvePathFromConfig expands ~ and resolves relative paths against configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a secret with the reference of the first env var
// holding the same value.
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, name := range envVars {
		if os.Getenv(name) == value {
			return "${" + name + "}"
		}
	}
	return value
}

// looksLikeRealKey heuristically checks if a string looks like a real API key.
func looksLikeRealKey(s string) bool {
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
