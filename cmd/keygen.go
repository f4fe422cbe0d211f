package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/config"
	"github.com/finsync/finsync/internal/crypto"
	"github.com/finsync/finsync/internal/secrets"
)

var keygenSecretName string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new ENC_KEY",
	Long: `Generate a random 32-byte master key for the token vault and print it as
URL-safe base64. With --secret-name the key is stored in AWS Secrets Manager
instead of being printed.

A new key cannot read a token vault written with a different key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := crypto.GenerateMasterKey()
		if err != nil {
			return err
		}
		defer crypto.Zeroize(raw)

		if keygenSecretName == "" {
			fmt.Printf("%s=%s\n", config.EnvEncKey, crypto.EncodeMasterKey(raw))
			return nil
		}

		ctx := commandContext(cmd)
		smc, err := secrets.NewSecretsManagerClient(ctx, keygenSecretName, cfg.AWSRegion)
		if err != nil {
			return err
		}
		if err := smc.CreateMasterKey(ctx, raw); err != nil {
			return err
		}

		fmt.Printf("Master key stored in secret %s\n", keygenSecretName)
		fmt.Printf("Set %s=%s to use it\n", config.EnvMasterKeySecret, keygenSecretName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenSecretName, "secret-name", "", "Store the key in this AWS Secrets Manager secret")
}
