// Package crypto implements the client-side envelope scheme: a room-scoped
// AES-256-GCM key derived from an out-of-band passphrase, authenticated
// encryption of message text, and a short fingerprint for visually
// confirming a shared secret. The relay never holds any of this.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aes256KeySize = 32
	kdfIterations = 100_000

	// Used when a caller derives with an empty room id. This keeps old
	// payloads readable but collapses per-room key separation, so the
	// derivation logs a warning whenever it kicks in.
	defaultSalt = "default-salt"

	// Domain separator for Fingerprint, distinct from the KDF salt so the
	// fingerprint can never leak key material.
	fingerprintDomain = "cipherchat/fingerprint/v1:"
)

// ErrDecrypt is wrapped by every decryption failure: wrong key, tampered
// ciphertext, malformed nonce. Callers treat it as "cannot show plaintext"
// and render the encrypted placeholder instead.
var ErrDecrypt = errors.New("envelope authentication failed")

// DeriveKey stretches a passphrase into a 256-bit AEAD key using
// PBKDF2-SHA256 with the room id as salt. The same (passphrase, roomID)
// pair always derives the same key; that determinism is the system's only
// access control.
func DeriveKey(passphrase, roomID string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	salt := []byte(roomID)
	if roomID == "" {
		log.Println("[CRYPTO] WARNING: empty room id, substituting the default salt; per-room key separation is lost")
		salt = []byte(defaultSalt)
	}
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, aes256KeySize, sha256.New), nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random 96-bit
// nonce and returns both halves of the envelope.
func Encrypt(key []byte, plaintext string) (iv, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, []byte(plaintext), nil)
	return iv, ciphertext, nil
}

// Decrypt opens an envelope. Authentication failures, tampering and
// malformed nonces all surface as errors wrapping ErrDecrypt; they are
// message-level conditions, never fatal ones.
func Decrypt(key, iv, ciphertext []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(iv) != aead.NonceSize() {
		return "", fmt.Errorf("nonce length %d: %w", len(iv), ErrDecrypt)
	}
	if len(ciphertext) == 0 {
		return "", fmt.Errorf("empty ciphertext: %w", ErrDecrypt)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", ErrDecrypt)
	}
	return string(plaintext), nil
}

// Fingerprint hashes the passphrase+room pair into a short display string
// so two participants can confirm they hold the same secret without
// exchanging it. One-way, domain-separated from key derivation.
func Fingerprint(passphrase, roomID string) string {
	sum := sha256.Sum256([]byte(fingerprintDomain + roomID + "\x00" + passphrase))
	s := hex.EncodeToString(sum[:6])
	return s[0:4] + "-" + s[4:8] + "-" + s[8:12]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
