package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/finsync/finsync/internal/crypto"
)

// lenPrefixSize is the size of the big-endian salt length prefix
const lenPrefixSize = 4

// errMalformedBlob means the framing itself is broken, before any decryption
var errMalformedBlob = errors.New("malformed blob")

// EncryptedBlob is the on-disk layout of the token file:
//
//	uint32 big-endian len(Salt) | Salt | Token
//
// Token is self-contained (it carries its own nonce). Salt is random data kept
// alongside each blob; it is not used for key derivation, but the header
// (prefix and salt) is authenticated as associated data of the token.
type EncryptedBlob struct {
	Salt  []byte
	Token []byte
}

// header returns the length prefix followed by the salt.
func (b *EncryptedBlob) header() []byte {
	h := make([]byte, lenPrefixSize+len(b.Salt))
	binary.BigEndian.PutUint32(h, uint32(len(b.Salt)))
	copy(h[lenPrefixSize:], b.Salt)
	return h
}

// MarshalBinary encodes the blob into its on-disk form
func (b *EncryptedBlob) MarshalBinary() ([]byte, error) {
	return append(b.header(), b.Token...), nil
}

// UnmarshalBinary decodes the on-disk form
func (b *EncryptedBlob) UnmarshalBinary(data []byte) error {
	if len(data) < lenPrefixSize {
		return fmt.Errorf("%w: %d bytes is shorter than the length prefix", errMalformedBlob, len(data))
	}
	n := uint64(binary.BigEndian.Uint32(data[:lenPrefixSize]))
	if n > uint64(len(data)-lenPrefixSize) {
		return fmt.Errorf("%w: salt length %d exceeds blob size", errMalformedBlob, n)
	}
	end := lenPrefixSize + int(n)
	b.Salt = append([]byte(nil), data[lenPrefixSize:end]...)
	b.Token = append([]byte(nil), data[end:]...)
	return nil
}

// sealBlob encrypts plaintext under a fresh salt
func sealBlob(key *crypto.CipherKey, plaintext []byte) (*EncryptedBlob, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}

	blob := &EncryptedBlob{Salt: salt}
	token, err := key.Seal(plaintext, blob.header())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt tokens: %w", err)
	}
	blob.Token = token
	return blob, nil
}

// openBlob authenticates and decrypts the token
func openBlob(key *crypto.CipherKey, blob *EncryptedBlob) ([]byte, error) {
	return key.Open(blob.Token, blob.header())
}
