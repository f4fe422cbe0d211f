package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/link"
	"github.com/finsync/finsync/internal/plaid"
	"github.com/finsync/finsync/internal/vault"
)

var linkNoBrowser bool

var linkCmd = &cobra.Command{
	Use:     "link",
	Aliases: []string{"add-account"},
	Short:   "Link a bank account",
	Long: `Start a local web server that runs Plaid Link in your browser. When the
account is linked its access token is added to the encrypted token vault.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		store, err := openTokenStore(ctx)
		if err != nil {
			return err
		}
		// Refuse to link into a vault that cannot be read back.
		if _, err := store.Load(); err != nil {
			return err
		}

		client, err := newPlaidClient()
		if err != nil {
			return err
		}

		session := link.NewSession(client, link.Options{
			ListenAddr: cfg.Link.ListenAddr,
			Timeout:    cfg.Link.Timeout,
			LinkToken: plaid.LinkTokenRequest{
				ClientName:   cfg.Plaid.ClientName,
				ClientUserID: cfg.Plaid.ClientUserID,
				Products:     cfg.Plaid.Products,
				CountryCodes: cfg.Plaid.CountryCodes,
				Language:     cfg.Plaid.Language,
				RedirectURI:  cfg.Plaid.RedirectURI,
			},
			Logger: log,
		})
		if err := session.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.Close(shutdownCtx); err != nil {
				log.Warnf("%v", err)
			}
		}()

		fmt.Printf("Open %s in your browser to link an account\n", session.URL())
		if !linkNoBrowser {
			if err := openBrowser(session.URL()); err != nil {
				log.Debugf("Could not open browser: %v", err)
			}
		}

		res, err := session.Wait(ctx)
		if err != nil {
			return err
		}

		var replaced bool
		err = updateTokens(store, func(tokens vault.TokenMap) error {
			replaced = tokens.Link(res.ItemID, res.Record)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save linked account: %w", err)
		}

		if replaced {
			fmt.Printf("Relinked %s (item %s)\n", res.Record.InstitutionName, res.ItemID)
		} else {
			fmt.Printf("Linked %s (item %s)\n", res.Record.InstitutionName, res.ItemID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.Flags().BoolVar(&linkNoBrowser, "no-browser", false, "Only print the URL instead of opening a browser")
}
