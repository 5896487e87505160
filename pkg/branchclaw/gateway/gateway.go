// Package gateway provides the HTTP API for branchclaw: conversations,
// branches, sub-agents, external tool calls and a websocket event stream.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// Gateway is the HTTP API gateway.
type Gateway struct {
	orch      *copilot.Orchestrator
	config    copilot.GatewayConfig
	server    *http.Server
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// New creates a new Gateway.
func New(orch *copilot.Orchestrator, cfg copilot.GatewayConfig, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	g := &Gateway{
		orch:      orch,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		version:   version,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Handler builds the routed handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/cancel", g.handleCancelTurn)
	mux.HandleFunc("POST /api/conversations/{id}/regenerate", g.handleRegenerate)
	mux.HandleFunc("GET /api/conversations/{id}/branches", g.handleListBranches)
	mux.HandleFunc("POST /api/conversations/{id}/branches/{branch}/messages", g.handleSendToBranch)
	mux.HandleFunc("POST /api/conversations/{id}/subagents", g.handleSpawnSubagent)

	mux.HandleFunc("GET /api/subagents", g.handleListSubagents)
	mux.HandleFunc("GET /api/subagents/{id}", g.handleGetSubagent)
	mux.HandleFunc("POST /api/subagents/{id}/cancel", g.handleCancelSubagent)
	mux.HandleFunc("POST /api/subagents/{id}/continue", g.handleContinueSubagent)

	mux.HandleFunc("GET /api/tools", g.handleListTools)
	mux.HandleFunc("POST /api/tools/{area}/{op}", g.handleInvokeTool)

	mux.HandleFunc("GET /api/events", g.handleEvents)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve starts serving on ln in the background.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopback(ln.Addr()) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address; anyone on the network can access the API",
			"address", ln.Addr().String())
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}
