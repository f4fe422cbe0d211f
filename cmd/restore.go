package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/finsync/finsync/internal/storage"
	"github.com/finsync/finsync/internal/vault"
)

var restoreYes bool

var restoreCmd = &cobra.Command{
	Use:   "restore [backup_path]",
	Short: "Restore the token vault from a backup",
	Long: `Replace the token vault with a backup file. The backup must decrypt with
the current ENC_KEY. If no backup path is provided, lists available backups
for selection.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore(commandContext(cmd))
		if err != nil {
			return err
		}

		reader := bufio.NewReader(os.Stdin)
		var backupPath string

		if len(args) > 0 {
			backupPath = args[0]
		} else {
			backupDir := cfg.BackupDir()
			backups, err := findBackups(backupDir)
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}
			if len(backups) == 0 {
				return fmt.Errorf("no backup files found in %s. Create one first with 'finsync backup'", backupDir)
			}

			fmt.Println("Available backups:")
			fmt.Println()
			for i, backup := range backups {
				fmt.Printf("  %d. %s\n", i+1, filepath.Base(backup.Path))
				fmt.Printf("     Created: %s (%s)\n", backup.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(backup.CreatedAt))
				fmt.Printf("     Size: %s\n", humanize.Bytes(uint64(backup.Size)))
				fmt.Println()
			}

			fmt.Print("Select backup to restore (enter number): ")
			input, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			input = strings.TrimSpace(input)
			selection, err := strconv.Atoi(input)
			if err != nil || selection < 1 || selection > len(backups) {
				return fmt.Errorf("invalid selection: %s", input)
			}
			backupPath = backups[selection-1].Path
		}

		data, err := os.ReadFile(backupPath)
		if err != nil {
			return fmt.Errorf("failed to read backup file: %w", err)
		}
		// Check before prompting so a bad backup is reported first.
		if _, err := store.Decode(data); err != nil {
			return fmt.Errorf("backup %s: %w", filepath.Base(backupPath), err)
		}

		confirm := func() bool {
			if restoreYes || !term.IsTerminal(int(os.Stdin.Fd())) {
				return true
			}
			fmt.Print("This replaces the current token vault. Continue? (y/n): ")
			response, _ := reader.ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))
			return response == "y" || response == "yes"
		}

		previous, tokens, err := restoreTokens(store, data, confirm)
		if errors.Is(err, errRestoreCancelled) {
			fmt.Println("Restore cancelled")
			return nil
		}
		if err != nil {
			return err
		}

		if previous != "" {
			fmt.Printf("Current vault backed up to: %s\n", previous)
		}
		fmt.Printf("Token vault restored from %s with %d linked item(s)\n", filepath.Base(backupPath), len(tokens))
		return nil
	},
}

var errRestoreCancelled = errors.New("restore cancelled")

// restoreTokens replaces the token file with data while holding the vault
// lock. An existing file is backed up first, after confirm agrees.
func restoreTokens(store *storage.TokenStore, data []byte, confirm func() bool) (string, vault.TokenMap, error) {
	release, err := lockTokens(store)
	if err != nil {
		return "", nil, err
	}
	defer release()

	var previous string
	if store.Exists() {
		if !confirm() {
			return "", nil, errRestoreCancelled
		}
		previous, _, err = writeBackup(store, "", "tokens-before-restore")
		if err != nil {
			return "", nil, fmt.Errorf("failed to back up current vault: %w", err)
		}
	}

	tokens, err := store.WriteRaw(data)
	if err != nil {
		return "", nil, fmt.Errorf("failed to restore token vault: %w", err)
	}
	return previous, tokens, nil
}

// BackupInfo holds information about a backup file
type BackupInfo struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}

// findBackups finds all backup files in the backup directory, newest first
func findBackups(backupDir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(backupDir, name),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Do not ask for confirmation")
}
