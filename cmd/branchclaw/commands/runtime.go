package commands

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/database"
)

// runtime is the fully wired engine shared by serve and chat.
type runtime struct {
	cfg    *copilot.Config
	logger *slog.Logger
	db     *sql.DB
	orch   *copilot.Orchestrator
	vault  *copilot.Vault
}

// openRuntime opens the database, picks the conversation backend, builds
// the orchestrator and registers the vault and memory tools.
func openRuntime(cfg *copilot.Config, logger *slog.Logger) (*runtime, error) {
	copilot.AuditSecrets(cfg, logger)
	copilot.ResolveAPIKey(cfg, logger)

	llm, err := copilot.NewLanguageModelClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	storage, err := openStorage(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	vault, err := copilot.NewVault(cfg.Vault)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	orch := copilot.NewOrchestrator(cfg, llm, storage, logger)
	copilot.RegisterVaultTools(orch.Registry(), vault)
	copilot.RegisterMemoryTools(orch.Registry(), database.NewMemoryStore(db))
	orch.Subagents().SetRunStore(database.NewRunStore(db))
	orch.Subagents().SetFileSource(vault)

	logger.Debug("runtime ready",
		"storage", cfg.Storage.Backend,
		"database", cfg.Database.Path,
		"vault", vault.Root(),
		"areas", orch.Registry().Areas(),
	)
	return &runtime{cfg: cfg, logger: logger, db: db, orch: orch, vault: vault}, nil
}

func (r *runtime) Close() error {
	return r.db.Close()
}

// openStorage returns the conversation backend selected by
// storage.backend.
func openStorage(cfg *copilot.Config, db *sql.DB) (conversation.Storage, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "sqlite":
		return database.NewConversationStore(db), nil
	case "file":
		fs, err := conversation.NewFileStorage(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "memory":
		return conversation.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want sqlite, file or memory)", cfg.Storage.Backend)
	}
}
