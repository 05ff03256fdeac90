package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/manaforge/market-engine/internal/app"
)

var unhaltCmd = &cobra.Command{
	Use:   "unhalt [account-id]",
	Short: "Clear a ledger-corruption halt, or list halted accounts",
	Long: `With an account id (for example user:alice), clears the halt the audit
placed on it so its transactions are accepted again. Without one, lists every
halted account and the reason it was halted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnhalt,
}

func init() {
	rootCmd.AddCommand(unhaltCmd)
}

func runUnhalt(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		halted, err := application.Ledger().HaltedAccounts(cmd.Context())
		if err != nil {
			return fmt.Errorf("list halts: %w", err)
		}
		ids := make([]string, 0, len(halted))
		for id := range halted {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "%s\t%s\n", id, halted[id])
		}
		fmt.Fprintf(out, "halted: %d\n", len(ids))
		return nil
	}

	if err := application.Ledger().Unhalt(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("unhalt %s: %w", args[0], err)
	}
	fmt.Fprintf(out, "unhalted %s\n", args[0])
	return nil
}
