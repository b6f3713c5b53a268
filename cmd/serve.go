// -- cmd/serve.go --
package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/internal/browser"
	"github.com/vortexops/webpilot/internal/executor"
	"github.com/vortexops/webpilot/internal/llmclient"
	"github.com/vortexops/webpilot/internal/observability"
	"github.com/vortexops/webpilot/internal/planner"
	"github.com/vortexops/webpilot/internal/server"
	"github.com/vortexops/webpilot/internal/store"
	"github.com/vortexops/webpilot/internal/supervisor"
	"github.com/vortexops/webpilot/internal/validator"
	"github.com/vortexops/webpilot/internal/vision"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation control plane.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires the components bottom-up and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitBadConfig, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return &exitError{code: exitFatalInit, err: fmt.Errorf("store init failed: %w", err)}
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Store close failed", zap.Error(err))
		}
	}()

	plannerLLM, err := llmclient.NewPlannerClient(cfg.LLM, logger)
	if err != nil {
		return &exitError{code: exitFatalInit, err: fmt.Errorf("planner model init failed: %w", err)}
	}
	validatorLLM, err := llmclient.NewValidatorClient(cfg.LLM, logger)
	if err != nil {
		return &exitError{code: exitFatalInit, err: fmt.Errorf("validator model init failed: %w", err)}
	}

	sessions := browser.NewManager(cfg.Browser, logger)
	locator := vision.NewLocator(validatorLLM, cfg.Vision, logger)
	plan := planner.NewPlanner(plannerLLM, cfg.Executor.DefaultURL, logger)
	validate := validator.New(validatorLLM, logger)
	exec := executor.New(sessions, locator, validate, cfg.Executor, logger)
	sup := supervisor.New(cfg.Supervisor, plan, exec, sessions, st, logger)
	srv := server.New(cfg.Server, sup, sessions, logger)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return &exitError{code: exitBindFailed, err: fmt.Errorf("failed to bind %s: %w", cfg.Server.ListenAddr, err)}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return &exitError{code: exitFatalInit, err: fmt.Errorf("http server failed: %w", err)}
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Supervisor shutdown incomplete", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Browser shutdown incomplete", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
