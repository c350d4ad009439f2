package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/config"
	"github.com/stacklight/faxpipe/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing daemon (workers, sweeper, job recovery)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := telemetry.Init(ctx, "faxpipe", version); err != nil {
			logger.Warn("telemetry init failed, continuing without", zap.Error(err))
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(shCtx)
		}()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		// Jobs stranded by the previous shutdown go back onto the pool.
		if err := a.queue.Start(ctx); err != nil {
			return fmt.Errorf("recovering pending jobs: %w", err)
		}
		a.sweeper.Start(ctx)

		logger.Info("faxpipe daemon running",
			zap.String("object_store_root", cfg.ObjectStoreRoot),
			zap.Int("worker_concurrency", cfg.WorkerConcurrency),
			zap.Duration("sweep_interval", cfg.SweepInterval()))

		<-ctx.Done()
		logger.Info("shutdown signal received, draining workers")
		return nil
	},
}
