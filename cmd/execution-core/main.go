package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/upb/llm-execution-core/config"
	"github.com/upb/llm-execution-core/internal/observability"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "execution-core",
		Short: "LLM execution orchestration core",
		Long: `Runs LLM executions against the configured providers.

The HTTP API selects a strategy per request (cache, sync, streaming or
hybrid fallback), guards each provider with a circuit breaker and records
token usage in the ledger. Jobs submitted for later are processed by a
queue worker, in-process or as a separate "worker" command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd())
	return root
}

// bootstrap loads configuration and builds the logger
func bootstrap(ctx context.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Observability)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.With(zap.String("environment", cfg.Environment)), nil
}

func initLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	return observability.NewLogger(level, cfg.LogFormat)
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
