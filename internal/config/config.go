package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/finsync/finsync/internal/crypto"
	"github.com/finsync/finsync/internal/logger"
)

const (
	// DefaultConfigFile is read from the working directory when present
	DefaultConfigFile = "finsync.yaml"
	// DefaultEnvFile is read from the working directory when present
	DefaultEnvFile = ".env"
	// TokensFileName is the token vault file inside the data directory
	TokensFileName = "tokens.bin"
)

// Environment variable names
const (
	EnvEncKey          = "ENC_KEY"
	EnvMasterKeySecret = "FINSYNC_MASTER_KEY_SECRET"
	EnvPlaidClientID   = "PLAID_CLIENT_ID"
	EnvPlaidSecret     = "PLAID_SECRET"
	EnvPlaidEnv        = "PLAID_ENV"
	EnvDataDir         = "FINSYNC_DATA_DIR"
	EnvLogLevel        = "FINSYNC_LOG_LEVEL"
	EnvTableName       = "FINSYNC_TABLE_NAME"
	EnvPlaidRedirect   = "PLAID_REDIRECT_URI"
)

// PlaidConfig holds the aggregation API credentials and Link settings
type PlaidConfig struct {
	ClientID     string
	Secret       string
	Env          string
	ClientName   string
	ClientUserID string
	CountryCodes []string
	Language     string
	Products     []string
	// RedirectURI must be registered with Plaid; needed for OAuth institutions
	RedirectURI string
}

// LinkConfig controls the local account-linking server
type LinkConfig struct {
	ListenAddr string
	Timeout    time.Duration
}

// AggregateConfig controls transaction fetching
type AggregateConfig struct {
	PageSize      int
	LookbackDays  int
	RetryAttempts int
	RetryMinWait  time.Duration
	RetryMaxWait  time.Duration
}

// Config holds application configuration
type Config struct {
	DataDir  string
	LogLevel string

	// EncKey is the URL-safe base64 master key. When empty, MasterKeySecretName
	// names an AWS Secrets Manager secret holding it instead.
	EncKey              string
	MasterKeySecretName string

	AWSRegion    string
	TableName    string
	RemoteUserID string

	Plaid     PlaidConfig
	Link      LinkConfig
	Aggregate AggregateConfig
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "data",
		LogLevel:     "info",
		AWSRegion:    "us-west-2",
		TableName:    "finsync_tokens",
		RemoteUserID: "default",
		Plaid: PlaidConfig{
			Env:          "sandbox",
			ClientName:   "Personal Finance Manager",
			ClientUserID: "user-1",
			CountryCodes: []string{"US"},
			Language:     "en",
			Products:     []string{"transactions"},
		},
		Link: LinkConfig{
			ListenAddr: "127.0.0.1:8000",
			Timeout:    10 * time.Minute,
		},
		Aggregate: AggregateConfig{
			PageSize:      500,
			LookbackDays:  90,
			RetryAttempts: 3,
			RetryMinWait:  4 * time.Second,
			RetryMaxWait:  30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional config file, an
// optional .env file and finally the process environment. Empty file names
// mean the defaults in the working directory, which may be absent; explicitly
// named files must exist.
func Load(configFile, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := resolveFile(configFile, DefaultConfigFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.applyFile(v); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	path, err = resolveFile(envFile, DefaultEnvFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
		cfg.applyEnv(func(key string) (string, bool) {
			key = strings.ToLower(key)
			if !v.IsSet(key) {
				return "", false
			}
			return v.GetString(key), true
		})
	}

	cfg.applyEnv(os.LookupEnv)

	return cfg, nil
}

func resolveFile(name, fallback string) (string, error) {
	if name == "" {
		if _, err := os.Stat(fallback); err != nil {
			return "", nil
		}
		return fallback, nil
	}
	if _, err := os.Stat(name); err != nil {
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	return name, nil
}

func (c *Config) applyFile(v *viper.Viper) error {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setStrings := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = v.GetStringSlice(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	setString("data_dir", &c.DataDir)
	setString("log_level", &c.LogLevel)
	setString("enc_key", &c.EncKey)
	setString("master_key_secret", &c.MasterKeySecretName)

	setString("aws.region", &c.AWSRegion)
	setString("aws.table_name", &c.TableName)
	setString("aws.user_id", &c.RemoteUserID)

	setString("plaid.client_id", &c.Plaid.ClientID)
	setString("plaid.secret", &c.Plaid.Secret)
	setString("plaid.env", &c.Plaid.Env)
	setString("plaid.client_name", &c.Plaid.ClientName)
	setString("plaid.client_user_id", &c.Plaid.ClientUserID)
	setStrings("plaid.country_codes", &c.Plaid.CountryCodes)
	setString("plaid.language", &c.Plaid.Language)
	setStrings("plaid.products", &c.Plaid.Products)
	setString("plaid.redirect_uri", &c.Plaid.RedirectURI)

	setString("link.listen", &c.Link.ListenAddr)
	setInt("aggregate.page_size", &c.Aggregate.PageSize)
	setInt("aggregate.lookback_days", &c.Aggregate.LookbackDays)
	setInt("aggregate.retry_attempts", &c.Aggregate.RetryAttempts)

	durations := map[string]*time.Duration{
		"link.timeout":             &c.Link.Timeout,
		"aggregate.retry_min_wait": &c.Aggregate.RetryMinWait,
		"aggregate.retry_max_wait": &c.Aggregate.RetryMaxWait,
	}
	for key, dst := range durations {
		if !v.IsSet(key) {
			continue
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	vars := map[string]*string{
		EnvEncKey:          &c.EncKey,
		EnvMasterKeySecret: &c.MasterKeySecretName,
		EnvPlaidClientID:   &c.Plaid.ClientID,
		EnvPlaidSecret:     &c.Plaid.Secret,
		EnvPlaidEnv:        &c.Plaid.Env,
		EnvDataDir:         &c.DataDir,
		EnvLogLevel:        &c.LogLevel,
		EnvTableName:       &c.TableName,
		EnvPlaidRedirect:   &c.Plaid.RedirectURI,
	}
	for name, dst := range vars {
		if val, ok := lookup(name); ok && val != "" {
			*dst = val
		}
	}
}

// Validate checks settings that do not involve the master key
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Plaid.Env) {
	case "sandbox", "production":
	default:
		errs = append(errs, fmt.Errorf("%s must be 'sandbox' or 'production', got %q", EnvPlaidEnv, c.Plaid.Env))
	}
	if _, err := logger.GetLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory must not be empty"))
	}
	if c.Aggregate.PageSize < 1 || c.Aggregate.PageSize > 500 {
		errs = append(errs, fmt.Errorf("aggregate.page_size must be between 1 and 500, got %d", c.Aggregate.PageSize))
	}
	if c.Aggregate.LookbackDays < 1 {
		errs = append(errs, fmt.Errorf("aggregate.lookback_days must be positive, got %d", c.Aggregate.LookbackDays))
	}
	if c.Aggregate.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("aggregate.retry_attempts must be at least 1, got %d", c.Aggregate.RetryAttempts))
	}
	if c.Link.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("link.timeout must be positive, got %s", c.Link.Timeout))
	}

	return errors.Join(errs...)
}

// ValidatePlaid checks that API credentials are present
func (c *Config) ValidatePlaid() error {
	if c.Plaid.ClientID == "" || c.Plaid.Secret == "" {
		return fmt.Errorf("%s and %s must be set", EnvPlaidClientID, EnvPlaidSecret)
	}
	return nil
}

// SecretSource supplies an encoded master key from outside the config
type SecretSource interface {
	GetMasterKey(ctx context.Context) (string, error)
}

// MasterKey resolves and validates the 32-byte master key. source is consulted
// only when ENC_KEY is empty and may be nil. Every failure wraps
// crypto.ErrInvalidMasterKey.
func (c *Config) MasterKey(ctx context.Context, source SecretSource) ([]byte, error) {
	encoded := c.EncKey
	if encoded == "" {
		if c.MasterKeySecretName == "" || source == nil {
			return nil, fmt.Errorf("%w: set a valid 32-byte base64 %s env-var/.env", crypto.ErrInvalidMasterKey, EnvEncKey)
		}
		var err error
		encoded, err = source.GetMasterKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read secret %s: %v", crypto.ErrInvalidMasterKey, c.MasterKeySecretName, err)
		}
	}

	key, err := crypto.ParseMasterKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvEncKey, err)
	}
	return key, nil
}

// TokensPath returns the path to the token vault file
func (c *Config) TokensPath() string {
	return filepath.Join(c.DataDir, TokensFileName)
}

// BackupDir returns the directory for vault backups
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}
