package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	atomicfile "github.com/natefinch/atomic"

	"github.com/finsync/finsync/internal/crypto"
	"github.com/finsync/finsync/internal/vault"
)

const (
	// DirMode is used for the data directory
	DirMode os.FileMode = 0700
	// FileMode is used for the token file
	FileMode os.FileMode = 0600
)

// ErrVaultUnreadable is returned by Load when the token file exists but cannot
// be authenticated: either ENC_KEY is not the key it was written with, or the
// file is corrupt. Both cases need the same operator action.
var ErrVaultUnreadable = errors.New("token vault unreadable: wrong ENC_KEY or corrupt token file, supply the correct key or delete the file and relink accounts")

// TokenStore reads and writes the encrypted token file. It holds no token
// data between calls; every Load and Save touches the file.
type TokenStore struct {
	path string
	key  *crypto.CipherKey
}

// NewTokenStore creates a store for the token file at path
func NewTokenStore(path string, key *crypto.CipherKey) *TokenStore {
	return &TokenStore{
		path: path,
		key:  key,
	}
}

// Path returns the token file location
func (s *TokenStore) Path() string {
	return s.path
}

// EnsureDir ensures the data directory exists
func (s *TokenStore) EnsureDir() error {
	return os.MkdirAll(filepath.Dir(s.path), DirMode)
}

// Exists checks if the token file exists
func (s *TokenStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and decrypts the whole token file. A missing file is the
// first-run state and yields an empty map.
func (s *TokenStore) Load() (vault.TokenMap, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return vault.NewTokenMap(), nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	return s.Decode(data)
}

// Decode decrypts the on-disk representation of a token file.
func (s *TokenStore) Decode(data []byte) (vault.TokenMap, error) {
	var blob EncryptedBlob
	if err := blob.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrVaultUnreadable, err)
	}

	plaintext, err := openBlob(s.key, &blob)
	if err != nil {
		return nil, ErrVaultUnreadable
	}
	defer crypto.Zeroize(plaintext)

	tokens, err := vault.FromJSON(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w (failed to parse tokens: %v)", ErrVaultUnreadable, err)
	}
	return tokens, nil
}

// Save encrypts tokens and replaces the token file. The caller is
// responsible for merging into a map obtained from Load first.
func (s *TokenStore) Save(tokens vault.TokenMap) error {
	data, err := s.Encode(tokens)
	if err != nil {
		return err
	}

	if err := s.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := atomicfile.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Encode produces the on-disk representation of tokens under a fresh salt.
func (s *TokenStore) Encode(tokens vault.TokenMap) ([]byte, error) {
	plaintext, err := tokens.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tokens: %w", err)
	}
	defer crypto.Zeroize(plaintext)

	blob, err := sealBlob(s.key, plaintext)
	if err != nil {
		return nil, err
	}
	return blob.MarshalBinary()
}

// ReadRaw returns the encrypted file contents without decrypting them.
func (s *TokenStore) ReadRaw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	return data, nil
}

// WriteRaw verifies that data decrypts with the current key and then replaces
// the token file with it. Used by restore and remote pull.
func (s *TokenStore) WriteRaw(data []byte) (vault.TokenMap, error) {
	tokens, err := s.Decode(data)
	if err != nil {
		return nil, err
	}

	if err := s.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to write token file: %w", err)
	}
	return tokens, nil
}
