package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/llm-execution-core/app"
	"github.com/upb/llm-execution-core/config"
	"go.uber.org/zap"
)

func newWorkerCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued execution jobs",
		Long: `Claims jobs from the execution queue and runs them through the same
strategies as the HTTP API. Finished jobs are reported to their callback
target. Use the redis queue backend to share work between processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, logger, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Queue.WorkerConcurrency = concurrency
			}
			if cfg.Queue.Backend == config.BackendMemory {
				logger.Warn("memory queue backend only sees jobs submitted to this process")
			}
			return runWorker(ctx, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of jobs processed at once (default WORKER_CONCURRENCY)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	deps.Scheduler.Start()
	runErr := deps.Worker.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := deps.Close(closeCtx); err != nil {
		logger.Error("dependency shutdown failed", zap.Error(err))
	}
	return runErr
}
