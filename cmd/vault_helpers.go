package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/config"
	"github.com/finsync/finsync/internal/crypto"
	"github.com/finsync/finsync/internal/plaid"
	"github.com/finsync/finsync/internal/secrets"
	"github.com/finsync/finsync/internal/storage"
	"github.com/finsync/finsync/internal/vault"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openTokenStore resolves the master key and returns a store for the token
// file. It fails before any file is touched when the key is missing or
// malformed.
func openTokenStore(ctx context.Context) (*storage.TokenStore, error) {
	var source config.SecretSource
	if cfg.EncKey == "" && cfg.MasterKeySecretName != "" {
		smc, err := secrets.NewSecretsManagerClient(ctx, cfg.MasterKeySecretName, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		source = smc
	}

	masterKey, err := cfg.MasterKey(ctx, source)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewCipherKey(masterKey)
	if err != nil {
		return nil, err
	}
	return storage.NewTokenStore(cfg.TokensPath(), key), nil
}

// lockTokens takes the vault lock. The returned func releases it and logs a
// failed release.
func lockTokens(store *storage.TokenStore) (func(), error) {
	unlock, err := store.Lock()
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unlock(); err != nil {
			log.Warnf("Failed to release vault lock: %v", err)
		}
	}, nil
}

// updateTokens runs fn on the current token map while holding the vault lock
// and saves the result. Nothing is written when fn fails.
func updateTokens(store *storage.TokenStore, fn func(vault.TokenMap) error) error {
	release, err := lockTokens(store)
	if err != nil {
		return err
	}
	defer release()

	tokens, err := store.Load()
	if err != nil {
		return err
	}
	if err := fn(tokens); err != nil {
		return err
	}
	return store.Save(tokens)
}

func newPlaidClient() (*plaid.Client, error) {
	if err := cfg.ValidatePlaid(); err != nil {
		return nil, err
	}
	baseURL, err := plaid.BaseURL(cfg.Plaid.Env)
	if err != nil {
		return nil, err
	}
	return plaid.NewClient(plaid.ClientConfig{
		BaseURL:  baseURL,
		ClientID: cfg.Plaid.ClientID,
		Secret:   cfg.Plaid.Secret,
		Retry: plaid.RetryPolicy{
			Attempts: cfg.Aggregate.RetryAttempts,
			MinWait:  cfg.Aggregate.RetryMinWait,
			MaxWait:  cfg.Aggregate.RetryMaxWait,
		},
		Logger: log,
	}), nil
}

func newRemoteStore(ctx context.Context) (*storage.DynamoDBStorage, error) {
	ds, err := storage.NewDynamoDBStorage(ctx, cfg.AWSRegion, cfg.TableName, cfg.RemoteUserID)
	if err != nil {
		return nil, fmt.Errorf("DynamoDB not available: %w", err)
	}
	return ds, nil
}
