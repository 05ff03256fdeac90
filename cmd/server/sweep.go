package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire due limit orders and finish pending settlements once",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer application.Close()

	expired, settled, err := application.Sweep(cmd.Context())
	logger.Info("sweep-complete", zap.Int("expired", expired), zap.Int("settled", settled))
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d orders, settled %d markets\n", expired, settled)
	return nil
}
