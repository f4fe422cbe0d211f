package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked accounts",
	Long:  `List linked items and their institutions (without showing access tokens).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore(commandContext(cmd))
		if err != nil {
			return err
		}
		tokens, err := store.Load()
		if err != nil {
			return err
		}

		items := tokens.ListItems()
		if len(items) == 0 {
			fmt.Println("No accounts linked")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM ID\tINSTITUTION")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\n", item.ItemID, item.InstitutionName)
		}
		w.Flush()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
