package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finsync/finsync/internal/config"
	"github.com/finsync/finsync/internal/logger"
)

var (
	cfg *config.Config
	log logger.Logger

	configFile string
	envFile    string
	dataDir    string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "finsync",
	Short: "Link bank accounts and export their transactions to CSV",
	Long: `finsync links bank accounts through Plaid and exports accounts, balances
and transactions to CSV files in the data directory.
Access tokens are kept in a local file encrypted with ENC_KEY. Only that
encrypted file is ever mirrored to DynamoDB.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile, envFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level, err := logger.GetLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log = logger.NewLogger(level)
		log.Debugf("Using data directory %s", cfg.DataDir)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./"+config.DefaultConfigFile+" if present)")
	flags.StringVar(&envFile, "env-file", "", "env file (default ./"+config.DefaultEnvFile+" if present)")
	flags.StringVar(&dataDir, "data-dir", "", "directory for the token vault and CSV exports")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
}
