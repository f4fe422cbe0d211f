package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsync/finsync/internal/crypto"
	"github.com/finsync/finsync/internal/vault"
)

func newTestCipherKey(t *testing.T) *crypto.CipherKey {
	raw, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	key, err := crypto.NewCipherKey(raw)
	require.NoError(t, err)
	return key
}

func newTestStore(t *testing.T) *TokenStore {
	return NewTokenStore(filepath.Join(t.TempDir(), "data", "tokens.bin"), newTestCipherKey(t))
}

func sampleTokens() vault.TokenMap {
	return vault.TokenMap{
		"item-1": {AccessToken: "access-sandbox-1", InstitutionName: "First Platypus Bank"},
		"item-2": {AccessToken: "access-sandbox-2", InstitutionName: "Tartan Bank"},
	}
}

// Ensure a missing token file is the empty first-run state, not an error.
func TestLoadMissingFile(t *testing.T) {
	store := newTestStore(t)

	tokens, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, tokens)
	require.Empty(t, tokens)
	require.False(t, store.Exists())
}

// Ensure Save creates the data directory and Load reads back the same map.
func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	tokens := sampleTokens()

	require.NoError(t, store.Save(tokens))
	require.True(t, store.Exists())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, tokens, loaded)

	// Saving an empty map is also a valid state.
	require.NoError(t, store.Save(vault.NewTokenMap()))
	loaded, err = store.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

// Ensure the file layout is prefix | 16-byte salt | token and holds no plaintext.
func TestSavedLayout(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleTokens()))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	require.Equal(t, uint32(crypto.SaltSize), binary.BigEndian.Uint32(data[:4]))
	require.Greater(t, len(data), 4+crypto.SaltSize+crypto.NonceSize)
	require.NotContains(t, string(data), "access-sandbox-1")
	require.NotContains(t, string(data), "Tartan Bank")
}

// Ensure saving the same map twice gives different bytes that decode equally.
func TestSaveIsRandomized(t *testing.T) {
	store := newTestStore(t)
	tokens := sampleTokens()

	require.NoError(t, store.Save(tokens))
	first, err := store.ReadRaw()
	require.NoError(t, err)

	require.NoError(t, store.Save(tokens))
	second, err := store.ReadRaw()
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	a, err := store.Decode(first)
	require.NoError(t, err)
	b, err := store.Decode(second)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, tokens, a)
}

// Ensure flipping any single byte of the file makes Load fail.
func TestLoadDetectsTampering(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleTokens()))

	original, err := store.ReadRaw()
	require.NoError(t, err)

	for i := range original {
		tampered := append([]byte(nil), original...)
		tampered[i] ^= 0x80
		require.NoError(t, os.WriteFile(store.Path(), tampered, FileMode))

		tokens, err := store.Load()
		require.ErrorIs(t, err, ErrVaultUnreadable, "byte %d", i)
		require.Nil(t, tokens)
	}
}

// Ensure truncated files are reported as unreadable.
func TestLoadTruncated(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleTokens()))
	original, err := store.ReadRaw()
	require.NoError(t, err)

	for _, n := range []int{0, 3, 4, 4 + crypto.SaltSize, len(original) - 1} {
		require.NoError(t, os.WriteFile(store.Path(), original[:n], FileMode))
		_, err := store.Load()
		require.ErrorIs(t, err, ErrVaultUnreadable, "length %d", n)
	}
}

// Ensure a different valid key cannot read the file.
func TestLoadWrongKey(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleTokens()))

	other := NewTokenStore(store.Path(), newTestCipherKey(t))
	_, err := other.Load()
	require.ErrorIs(t, err, ErrVaultUnreadable)
	require.Contains(t, err.Error(), "relink")
}

// Ensure that linking the same item twice keeps only the latest record.
func TestLinkTwiceLastWriteWins(t *testing.T) {
	store := newTestStore(t)

	link := func(token string) {
		unlock, err := store.Lock()
		require.NoError(t, err)
		defer func() { require.NoError(t, unlock()) }()

		tokens, err := store.Load()
		require.NoError(t, err)
		tokens.Link("inst-1", vault.CredentialRecord{AccessToken: token, InstitutionName: "Bank"})
		require.NoError(t, store.Save(tokens))
	}

	link("access-old")
	link("access-new")

	tokens, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, vault.TokenMap{
		"inst-1": {AccessToken: "access-new", InstitutionName: "Bank"},
	}, tokens)
}

// Ensure WriteRaw refuses data that does not decrypt and leaves the file alone.
func TestWriteRawVerifies(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleTokens()))
	before, err := store.ReadRaw()
	require.NoError(t, err)

	foreign := NewTokenStore(filepath.Join(t.TempDir(), "tokens.bin"), newTestCipherKey(t))
	foreignData, err := foreign.Encode(vault.TokenMap{"x": {AccessToken: "y"}})
	require.NoError(t, err)

	_, err = store.WriteRaw(foreignData)
	require.ErrorIs(t, err, ErrVaultUnreadable)

	after, err := store.ReadRaw()
	require.NoError(t, err)
	require.Equal(t, before, after)

	own, err := store.Encode(vault.TokenMap{"x": {AccessToken: "y"}})
	require.NoError(t, err)
	tokens, err := store.WriteRaw(own)
	require.NoError(t, err)
	require.Equal(t, "y", tokens["x"].AccessToken)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, tokens, loaded)
}

func TestEncryptedBlobBinary(t *testing.T) {
	blob := &EncryptedBlob{Salt: []byte{1, 2, 3}, Token: []byte{9, 9}}
	data, err := blob.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 3, 1, 2, 3, 9, 9}, data)

	var decoded EncryptedBlob
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, blob.Salt, decoded.Salt)
	require.Equal(t, blob.Token, decoded.Token)

	require.ErrorIs(t, decoded.UnmarshalBinary([]byte{0, 0, 1, 0, 5}), errMalformedBlob)
	require.ErrorIs(t, decoded.UnmarshalBinary([]byte{0, 0}), errMalformedBlob)
}
