// Package commands – serve.go starts the gateway daemon.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/shellgate/pkg/shellgate/gate"
	"github.com/jholhewres/shellgate/pkg/shellgate/gateway"
)

// newServeCmd creates the `shellgate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the security gateway daemon",
		Long: `Start shellgate as a daemon: the hook pipeline, the cron scheduler
and the dashboard RPC gateway.

Examples:
  shellgate serve
  shellgate serve --config ./config.yaml
  shellgate serve --address 127.0.0.1:9000`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "gateway bind address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolveConfig(cmd)
	logger := newLogger(cmd)

	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Gateway.Address = addr
	}
	if cfg.AuditDBPath == "" {
		cfg.AuditDBPath = gate.AuditDBDefaultPath(cfg.DataDir)
	}

	g, err := gate.New(cfg, gate.Options{}, logger)
	if err != nil {
		return fmt.Errorf("building gate: %w", err)
	}

	if err := g.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	gw := gateway.New(g.GatewayDeps(nil), cfg.Gateway, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	// Wait for shutdown signal or server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	g.Shutdown(ctx)
	return nil
}
