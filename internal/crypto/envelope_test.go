package crypto

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)
	require.Len(t, key, 32)

	iv, ciphertext, err := Encrypt(key, "hello")
	require.NoError(t, err)
	require.Len(t, iv, 12)
	require.NotEmpty(t, ciphertext)

	plaintext, err := Decrypt(key, iv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello", plaintext)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)
	b, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same passphrase and room must derive the same key")
}

func TestDeriveKeySaltSeparation(t *testing.T) {
	a, err := DeriveKey("correct horse", "room-1")
	require.NoError(t, err)
	b, err := DeriveKey("correct horse", "room-2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "different rooms must derive different keys")
}

func TestDeriveKeyEmptyPassphraseRejected(t *testing.T) {
	_, err := DeriveKey("", "room-42")
	require.Error(t, err)
}

func TestDeriveKeyEmptyRoomUsesDefaultSalt(t *testing.T) {
	a, err := DeriveKey("correct horse", "")
	require.NoError(t, err)
	b, err := DeriveKey("correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	scoped, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)
	assert.NotEqual(t, a, scoped)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	right, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)
	wrong, err := DeriveKey("wrong", "room-42")
	require.NoError(t, err)

	iv, ciphertext, err := Encrypt(right, "hello")
	require.NoError(t, err)

	plaintext, err := Decrypt(wrong, iv, ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
	assert.Empty(t, plaintext, "wrong key must never yield plaintext")
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)

	iv, ciphertext, err := Encrypt(key, "hello")
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = Decrypt(key, iv, ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptMalformedNonceFails(t *testing.T) {
	key, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)

	_, ciphertext, err := Encrypt(key, "hello")
	require.NoError(t, err)

	_, err = Decrypt(key, []byte{1, 2, 3}, ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	key, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)

	iv1, _, err := Encrypt(key, "hello")
	require.NoError(t, err)
	iv2, _, err := Encrypt(key, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("correct horse", "room-42")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}$`), fp)

	assert.Equal(t, fp, Fingerprint("correct horse", "room-42"), "fingerprint must be stable")
	assert.NotEqual(t, fp, Fingerprint("wrong", "room-42"))
	assert.NotEqual(t, fp, Fingerprint("correct horse", "room-43"))

	// The fingerprint must not be derived key material.
	key, err := DeriveKey("correct horse", "room-42")
	require.NoError(t, err)
	assert.NotContains(t, string(key), fp)
}
