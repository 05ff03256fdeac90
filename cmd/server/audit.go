package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/manaforge/market-engine/internal/app"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/model"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Replay the ledger and compare every account with its stored balance",
	Long: `Replays every account's transaction history and prints the replayed
balance next to the stored one. Exits non-zero if any account differs or if
the balances do not sum to zero. Differing accounts are halted until cleared
with the unhalt command.`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().Bool("all", false, "list every account, not only mismatches")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	all, _ := cmd.Flags().GetBool("all")

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer application.Close()

	report, err := application.Audit(cmd.Context())
	if err != nil && !errors.Is(err, model.ErrLedgerCorruption) {
		return fmt.Errorf("audit: %w", err)
	}
	return renderAudit(cmd.OutOrStdout(), report, all)
}

// renderAudit prints the report and fails if any account is corrupt or the
// balances do not net to zero. Mismatched accounts are always listed.
func renderAudit(out io.Writer, report ledger.Report, all bool) error {
	table := tablewriter.NewWriter(out)
	table.Header("Account", "Kind", "Stored", "Replayed", "Txns", "OK")
	for _, a := range report.Accounts {
		if !all && a.OK() {
			continue
		}
		table.Append(
			a.AccountID,
			string(a.Kind),
			a.Stored.StringFixed(4),
			a.Replayed.StringFixed(4),
			strconv.Itoa(a.Transactions),
			strconv.FormatBool(a.OK()),
		)
	}
	table.Render()

	fmt.Fprintf(out, "accounts: %d  corrupt: %d  net: %s\n", len(report.Accounts), len(report.Corrupt), report.Net.StringFixed(4))
	if len(report.Corrupt) > 0 || !report.Net.IsZero() {
		return fmt.Errorf("ledger audit failed: %d corrupt accounts", len(report.Corrupt))
	}
	return nil
}
