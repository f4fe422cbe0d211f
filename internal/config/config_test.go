package config

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finsync/finsync/internal/crypto"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{EnvEncKey, EnvMasterKeySecret, EnvPlaidClientID, EnvPlaidSecret,
		EnvPlaidEnv, EnvDataDir, EnvLogLevel, EnvTableName, EnvPlaidRedirect} {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, filepath.Join("data", "tokens.bin"), cfg.TokensPath())
	require.Equal(t, filepath.Join("data", "backups"), cfg.BackupDir())
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "finsync.yaml", `
data_dir: /var/lib/finsync
log_level: debug
plaid:
  env: production
  client_id: file-client
  country_codes: [US, CA]
  redirect_uri: https://localhost:8000/oauth-response
link:
  listen: 127.0.0.1:9000
  timeout: 2m
aggregate:
  page_size: 100
  retry_min_wait: 1s
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/finsync", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "production", cfg.Plaid.Env)
	require.Equal(t, "file-client", cfg.Plaid.ClientID)
	require.Equal(t, []string{"US", "CA"}, cfg.Plaid.CountryCodes)
	require.Equal(t, "https://localhost:8000/oauth-response", cfg.Plaid.RedirectURI)
	require.Equal(t, "127.0.0.1:9000", cfg.Link.ListenAddr)
	require.Equal(t, 2*time.Minute, cfg.Link.Timeout)
	require.Equal(t, 100, cfg.Aggregate.PageSize)
	require.Equal(t, time.Second, cfg.Aggregate.RetryMinWait)
	require.Equal(t, 30*time.Second, cfg.Aggregate.RetryMaxWait)
	require.NoError(t, cfg.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	configPath := writeFile(t, "finsync.yaml", "plaid:\n  client_id: from-file\n  secret: from-file\n")
	envPath := writeFile(t, ".env", "PLAID_CLIENT_ID=from-dotenv\nPLAID_SECRET=from-dotenv\nENC_KEY=dotenv-key\nPLAID_REDIRECT_URI=https://example.test/cb\n")
	t.Setenv(EnvPlaidSecret, "from-process")

	cfg, err := Load(configPath, envPath)
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.Plaid.ClientID)
	require.Equal(t, "from-process", cfg.Plaid.Secret)
	require.Equal(t, "dotenv-key", cfg.EncKey)
	require.Equal(t, "https://example.test/cb", cfg.Plaid.RedirectURI)
	require.NoError(t, cfg.ValidatePlaid())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	require.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "finsync.yaml", "link:\n  timeout: soon\n")
	_, err := Load(path, "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plaid.Env = "development"
	cfg.Aggregate.PageSize = 501
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PLAID_ENV")
	require.Contains(t, err.Error(), "page_size")
	require.Contains(t, err.Error(), "loud")

	require.Error(t, DefaultConfig().ValidatePlaid())
}

type staticSource struct {
	value string
	err   error
}

func (s staticSource) GetMasterKey(context.Context) (string, error) {
	return s.value, s.err
}

func TestMasterKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, crypto.MasterKeySize)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.EncKey = base64.URLEncoding.EncodeToString(raw)
	key, err := cfg.MasterKey(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, raw, key)

	// ENC_KEY wins over the secret.
	cfg.MasterKeySecretName = "finsync/enc-key"
	key, err = cfg.MasterKey(ctx, staticSource{err: errors.New("must not be called")})
	require.NoError(t, err)
	require.Equal(t, raw, key)

	cfg.EncKey = ""
	key, err = cfg.MasterKey(ctx, staticSource{value: base64.RawURLEncoding.EncodeToString(raw)})
	require.NoError(t, err)
	require.Equal(t, raw, key)

	_, err = cfg.MasterKey(ctx, staticSource{err: errors.New("access denied")})
	require.ErrorIs(t, err, crypto.ErrInvalidMasterKey)
}

func TestMasterKeyInvalid(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	_, err := cfg.MasterKey(ctx, nil)
	require.ErrorIs(t, err, crypto.ErrInvalidMasterKey)

	cfg.EncKey = base64.URLEncoding.EncodeToString(make([]byte, 24))
	_, err = cfg.MasterKey(ctx, nil)
	require.ErrorIs(t, err, crypto.ErrInvalidMasterKey)
	require.Contains(t, err.Error(), EnvEncKey)
}
