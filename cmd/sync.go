package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/storage"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the token vault to DynamoDB",
	Long: `Push the encrypted token vault to DynamoDB or pull it back. Only the
encrypted file is transferred; the remote never sees access tokens or ENC_KEY.`,
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the local token vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		store, err := openTokenStore(ctx)
		if err != nil {
			return err
		}
		remote, err := newRemoteStore(ctx)
		if err != nil {
			return err
		}

		release, err := lockTokens(store)
		if err != nil {
			return err
		}
		defer release()

		data, err := store.ReadRaw()
		if err != nil {
			return err
		}
		if _, err := store.Decode(data); err != nil {
			return err
		}

		statePath := syncStatePath()
		state, err := storage.LoadSyncState(statePath)
		if err != nil {
			return err
		}

		if err := remote.CheckVersion(ctx, state.Version); err != nil {
			return err
		}

		version, err := remote.Push(ctx, data, state.Version)
		if err != nil {
			return err
		}

		state = &storage.SyncState{Version: version, SyncedAt: time.Now().UTC()}
		if err := state.Save(statePath); err != nil {
			return err
		}

		fmt.Printf("Token vault pushed (version %d, %s)\n", version, humanize.Bytes(uint64(len(data))))
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Replace the local token vault with the remote copy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		store, err := openTokenStore(ctx)
		if err != nil {
			return err
		}
		remote, err := newRemoteStore(ctx)
		if err != nil {
			return err
		}

		blob, err := remote.Pull(ctx)
		if errors.Is(err, storage.ErrRemoteNotFound) {
			return fmt.Errorf("%w. Run 'finsync sync push' first", err)
		}
		if err != nil {
			return err
		}

		release, err := lockTokens(store)
		if err != nil {
			return err
		}
		defer release()

		tokens, err := store.WriteRaw(blob.Data)
		if err != nil {
			return fmt.Errorf("remote token vault: %w", err)
		}

		state := &storage.SyncState{Version: blob.Version, SyncedAt: time.Now().UTC()}
		if err := state.Save(syncStatePath()); err != nil {
			return err
		}

		fmt.Printf("Token vault pulled (version %d, %d linked item(s)), last pushed by %s %s\n",
			blob.Version, len(tokens), blob.DeviceID, humanize.Time(blob.ModifiedAt))
		return nil
	},
}

func syncStatePath() string {
	return filepath.Join(cfg.DataDir, storage.SyncStateFileName)
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
}
