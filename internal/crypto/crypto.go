package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"calsyncd/internal/models"
)

const (
	// KeyEnvVar names the environment variable holding the 64-hex-char key.
	KeyEnvVar = "ENCRYPTION_KEY"

	keyBytes = 32
	ivBytes  = 16
	tagBytes = 16
)

var (
	ErrKeyMissing   = errors.New("encryption key is not set")
	ErrKeyMalformed = errors.New("encryption key must be 64 hex characters")
	ErrDecrypt      = errors.New("token decryption failed")
)

// TokenCipher seals and opens OAuth tokens with AES-256-GCM.
// Every Encrypt generates a fresh random 16-byte IV; the GCM auth tag is
// stored alongside the ciphertext and verified on Decrypt.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a 64-hex-character key. A missing or
// malformed key is a hard error; there is no fallback key.
func NewTokenCipher(hexKey string) (*TokenCipher, error) {
	if hexKey == "" {
		return nil, ErrKeyMissing
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keyBytes {
		return nil, ErrKeyMalformed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivBytes)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// NewTokenCipherFromEnv reads the key from ENCRYPTION_KEY.
func NewTokenCipherFromEnv() (*TokenCipher, error) {
	return NewTokenCipher(os.Getenv(KeyEnvVar))
}

// Encrypt seals plaintext into an EncryptedToken with a fresh IV.
func (c *TokenCipher) Encrypt(plaintext string) (models.EncryptedToken, error) {
	iv := make([]byte, ivBytes)
	if _, err := rand.Read(iv); err != nil {
		return models.EncryptedToken{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagBytes

	return models.EncryptedToken{
		Encrypted: hex.EncodeToString(sealed[:split]),
		IV:        hex.EncodeToString(iv),
		Tag:       hex.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens a token, verifying the auth tag. A tampered tag or
// ciphertext yields ErrDecrypt, never a wrong plaintext.
func (c *TokenCipher) Decrypt(token models.EncryptedToken) (string, error) {
	ciphertext, err := hex.DecodeString(token.Encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrDecrypt)
	}
	iv, err := hex.DecodeString(token.IV)
	if err != nil || len(iv) != ivBytes {
		return "", fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	tag, err := hex.DecodeString(token.Tag)
	if err != nil || len(tag) != tagBytes {
		return "", fmt.Errorf("%w: bad tag", ErrDecrypt)
	}

	plaintext, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
