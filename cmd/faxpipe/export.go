package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/config"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

var (
	exportTenant  string
	exportOut     string
	exportTier    string
	exportMinConf float64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's records as an Excel workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportTenant == "" {
			return fmt.Errorf("--tenant is required")
		}
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

		filter := recordstore.RecordFilter{
			Tier:          types.Tier(exportTier),
			MinConfidence: exportMinConf,
		}
		data, err := a.export.Export(ctx, exportTenant, filter)
		if err != nil {
			return err
		}
		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", exportOut, err)
		}
		logger.Info("export written",
			zap.String("tenant_id", exportTenant),
			zap.String("path", exportOut))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "tenant id to export (required)")
	exportCmd.Flags().StringVar(&exportOut, "out", "faxpipe-export.xlsx", "output workbook path")
	exportCmd.Flags().StringVar(&exportTier, "tier", "", "restrict to one tier (Above-95% or needs-review)")
	exportCmd.Flags().Float64Var(&exportMinConf, "min-confidence", 0, "minimum overall confidence")
}
