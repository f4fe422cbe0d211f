package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/vault"
)

var unlinkCmd = &cobra.Command{
	Use:   "unlink <item_id>",
	Short: "Remove a linked account",
	Long: `Remove a linked item and its access token from the token vault.
The item stays active at Plaid; exported CSV rows are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore(commandContext(cmd))
		if err != nil {
			return err
		}

		err = updateTokens(store, func(tokens vault.TokenMap) error {
			if !tokens.Unlink(args[0]) {
				return fmt.Errorf("item not found: %s", args[0])
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("Item '%s' unlinked successfully\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unlinkCmd)
}
