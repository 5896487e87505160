package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/gateway"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/scheduler"
)

// newServeCmd creates the `branchclaw serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and maintenance scheduler",
		Long: `Start branchclaw as a service: the HTTP API and websocket event stream,
plus the scheduler that prunes finished sub-agent runs.

Examples:
  branchclaw serve
  branchclaw serve --address 127.0.0.1:9000
  branchclaw serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().String("address", "", "gateway listen address (overrides gateway.address)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Gateway.Address = addr
		cfg.Gateway.Enabled = true
	}
	logger := newLogger(cmd, cfg, os.Stdout)

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Gateway.Enabled {
		gw := gateway.New(rt.orch, cfg.Gateway, version, logger)
		if err := gw.Start(gctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return gw.Stop(shutdownCtx)
		})
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler, rt.orch.Subagents(), logger)
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	logger.Info("branchclaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
		"gateway", cfg.Gateway.Enabled,
		"scheduler", cfg.Scheduler.Enabled,
	)

	<-gctx.Done()
	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.orch.Stop(shutdownCtx); err != nil {
		logger.Warn("orchestrator stop incomplete", "error", err)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
