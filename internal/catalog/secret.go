package catalog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrNoSecretKey means the settings key env var is empty; secrets are then stored as is.
	ErrNoSecretKey = errors.New("settings encryption key not set")
	// ErrSecretUnreadable marks a sealed setting that the configured key cannot open.
	ErrSecretUnreadable  = errors.New("stored secret cannot be decrypted")
	errInvalidCiphertext = errors.New("invalid secret ciphertext")
)

const sealedPrefix = "enc:v1:"

// SecretCipher seals credential settings with AES-256-GCM. The stored form is
// "enc:v1:" + base64(nonce || ciphertext).
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipherFromEnv reads a 32-byte key (raw or base64) from envName.
func NewSecretCipherFromEnv(envName string) (*SecretCipher, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, fmt.Errorf("%s: %w", envName, ErrNoSecretKey)
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envName, err)
	}
	return NewSecretCipher(key)
}

func NewSecretCipher(key []byte) (*SecretCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *SecretCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// isSealed reports whether a stored value came out of Encrypt.
func isSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

func (c *SecretCipher) Decrypt(input string) (string, error) {
	if !isSealed(input) {
		return "", errInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(input, sealedPrefix))
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
