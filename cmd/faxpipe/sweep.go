package main

import (
	"github.com/spf13/cobra"

	"github.com/stacklight/faxpipe/internal/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one bulk-sweep cycle and exit",
	Long: `Scans the bulk-processing prefix once, enqueues any documents whose
content is not yet known, waits for the resulting jobs to drain, and exits.
Useful for catch-up after downtime or for cron-driven deployments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.queue.Start(ctx); err != nil {
			return err
		}
		a.sweeper.Sweep(ctx)
		// close() drains the worker pool before returning.
		logger.Info("sweep cycle dispatched, waiting for jobs to drain")
		return nil
	},
}
