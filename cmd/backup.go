package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	atomicfile "github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/storage"
)

var backupCmd = &cobra.Command{
	Use:   "backup [output_path]",
	Short: "Create a backup of the token vault",
	Long: `Copy the encrypted token vault. Without an output path the backup is
written to the backups directory inside the data directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore(commandContext(cmd))
		if err != nil {
			return err
		}
		if !store.Exists() {
			return fmt.Errorf("token vault not found at %s. Run 'finsync link' first", store.Path())
		}

		var outputPath string
		if len(args) > 0 {
			outputPath = args[0]
		}
		outputPath, size, err := writeBackup(store, outputPath, "tokens")
		if err != nil {
			return err
		}

		fmt.Printf("Backup created at: %s (%s)\n", outputPath, humanize.Bytes(uint64(size)))
		return nil
	},
}

// writeBackup copies the encrypted token file to outputPath, or to a
// timestamped file in the backup directory when outputPath is empty.
func writeBackup(store *storage.TokenStore, outputPath, prefix string) (string, int, error) {
	if outputPath == "" {
		backupDir := cfg.BackupDir()
		if err := os.MkdirAll(backupDir, storage.DirMode); err != nil {
			return "", 0, fmt.Errorf("failed to create backup directory: %w", err)
		}
		timestamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
		outputPath = filepath.Join(backupDir, fmt.Sprintf("%s-%s.bin", prefix, timestamp))
	}

	data, err := store.ReadRaw()
	if err != nil {
		return "", 0, err
	}
	if err := atomicfile.WriteFile(outputPath, bytes.NewReader(data)); err != nil {
		return "", 0, fmt.Errorf("failed to write backup: %w", err)
	}
	return outputPath, len(data), nil
}

func init() {
	rootCmd.AddCommand(backupCmd)
}
