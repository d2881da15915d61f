package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"calsyncd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewTokenCipherKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"Missing", "", ErrKeyMissing},
		{"TooShort", "abcd", ErrKeyMalformed},
		{"NotHex", strings.Repeat("zz", 32), ErrKeyMalformed},
		{"Valid", testKey, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewTokenCipher(tt.key)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, c)
		})
	}
}

func TestNewTokenCipherFromEnv(t *testing.T) {
	t.Setenv(KeyEnvVar, "")
	_, err := NewTokenCipherFromEnv()
	require.ErrorIs(t, err, ErrKeyMissing)

	t.Setenv(KeyEnvVar, testKey)
	c, err := NewTokenCipherFromEnv()
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewTokenCipher(testKey)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "ya29.a0AfB_short", strings.Repeat("refresh-token ", 100)} {
		token, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Len(t, token.IV, 32, "iv is 16 bytes hex")
		assert.Len(t, token.Tag, 32, "tag is 16 bytes hex")

		got, err := c.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptGeneratesFreshIV(t *testing.T) {
	c, err := NewTokenCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Encrypted, b.Encrypted)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := NewTokenCipher(testKey)
	require.NoError(t, err)

	token, err := c.Encrypt("secret access token")
	require.NoError(t, err)

	flip := func(s string) string {
		raw, err := hex.DecodeString(s)
		require.NoError(t, err)
		raw[0] ^= 0xff
		return hex.EncodeToString(raw)
	}

	tests := []struct {
		name   string
		mutate func(models.EncryptedToken) models.EncryptedToken
	}{
		{"TamperedTag", func(tok models.EncryptedToken) models.EncryptedToken {
			tok.Tag = flip(tok.Tag)
			return tok
		}},
		{"TamperedCiphertext", func(tok models.EncryptedToken) models.EncryptedToken {
			tok.Encrypted = flip(tok.Encrypted)
			return tok
		}},
		{"TamperedIV", func(tok models.EncryptedToken) models.EncryptedToken {
			tok.IV = flip(tok.IV)
			return tok
		}},
		{"TruncatedTag", func(tok models.EncryptedToken) models.EncryptedToken {
			tok.Tag = tok.Tag[:16]
			return tok
		}},
		{"NotHex", func(tok models.EncryptedToken) models.EncryptedToken {
			tok.Encrypted = "not hex at all"
			return tok
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.mutate(token))
			require.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	c1, err := NewTokenCipher(testKey)
	require.NoError(t, err)
	c2, err := NewTokenCipher(strings.Repeat("ab", 32))
	require.NoError(t, err)

	token, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(token)
	require.ErrorIs(t, err, ErrDecrypt)
}
