package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/aggregate"
	"github.com/finsync/finsync/internal/export"
	"github.com/finsync/finsync/internal/plaid"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Export accounts, balances and new transactions to CSV",
	Long: `Fetch accounts, balances and transactions for every linked item.
Transactions newer than the last row of transactions.csv are appended to it;
accounts.csv and balances.csv are replaced.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		store, err := openTokenStore(ctx)
		if err != nil {
			return err
		}
		tokens, err := store.Load()
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Println("No accounts linked. Run 'finsync link' first.")
			return nil
		}

		client, err := newPlaidClient()
		if err != nil {
			return err
		}

		agg := aggregate.New(client, export.NewWriter(cfg.DataDir), aggregate.Options{
			PageSize:     cfg.Aggregate.PageSize,
			LookbackDays: cfg.Aggregate.LookbackDays,
			Logger:       log,
		})
		summary, err := agg.Run(ctx, tokens)
		if err != nil {
			return err
		}

		fmt.Printf("Exported %s account(s) and %s new transaction(s) from %d item(s), %s to %s\n",
			humanize.Comma(int64(summary.Accounts)),
			humanize.Comma(int64(summary.Transactions)),
			summary.Items,
			summary.Start.Format(plaid.DateLayout),
			summary.End.Format(plaid.DateLayout))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
}
