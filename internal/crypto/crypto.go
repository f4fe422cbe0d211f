package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MasterKeySize is the only accepted length of a decoded master key
	MasterKeySize = 32

	// SaltSize is the length of the random trailer stored with each blob
	SaltSize = 16

	// Nonce size for XChaCha20-Poly1305
	NonceSize = chacha20poly1305.NonceSizeX
)

var (
	// ErrInvalidMasterKey is returned when the master key is missing, cannot be
	// decoded, or does not decode to exactly MasterKeySize bytes.
	ErrInvalidMasterKey = errors.New("invalid master key: expected 32 bytes encoded as URL-safe base64")

	// ErrDecrypt is returned when a token fails authentication.
	ErrDecrypt = errors.New("failed to authenticate ciphertext")
)

// ParseMasterKey decodes a URL-safe base64 master key, padded or unpadded,
// and checks its length.
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: value is empty", ErrInvalidMasterKey)
	}

	enc := base64.RawURLEncoding
	if strings.HasSuffix(encoded, "=") {
		enc = base64.URLEncoding
	}
	raw, err := enc.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if len(raw) != MasterKeySize {
		Zeroize(raw)
		return nil, fmt.Errorf("%w: decoded to %d bytes", ErrInvalidMasterKey, len(raw))
	}
	return raw, nil
}

// EncodeMasterKey encodes raw key bytes the way ParseMasterKey expects them.
func EncodeMasterKey(raw []byte) string {
	return base64.URLEncoding.EncodeToString(raw)
}

// GenerateMasterKey generates a random master key
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// GenerateSalt generates a random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// CipherKey is the working key built from a validated master key. The key
// material stays sealed in a memguard enclave and is only opened for the
// duration of a single Seal or Open call.
type CipherKey struct {
	enclave *memguard.Enclave
}

// NewCipherKey builds a CipherKey from raw master key bytes. The input slice
// is wiped once it has been moved into the enclave.
func NewCipherKey(masterKey []byte) (*CipherKey, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidMasterKey, len(masterKey))
	}
	return &CipherKey{enclave: memguard.NewEnclave(masterKey)}, nil
}

// Seal encrypts plaintext into a self-contained token: nonce || ciphertext.
// additionalData is authenticated but not encrypted.
func (k *CipherKey) Seal(plaintext, additionalData []byte) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open authenticates and decrypts a token produced by Seal.
func (k *CipherKey) Open(token, additionalData []byte) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(token) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: token too short", ErrDecrypt)
	}

	plaintext, err := aead.Open(nil, token[:NonceSize], token[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Zeroize overwrites a byte slice with zeros to clear sensitive data from memory
func Zeroize(data []byte) {
	memguard.WipeBytes(data)
}
