package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "market-engine",
	Short: "Prediction market engine",
	Long: `Prediction market engine: binary and multiple-choice markets priced by an
automated market maker, with limit orders, a double-entry ledger and
resolution payouts.

Configuration is read from an optional YAML file, then environment variables
(a .env file is loaded if present).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
