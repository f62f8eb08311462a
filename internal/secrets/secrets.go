// Package secrets encrypts mailbox credentials at rest with AES-256-GCM.
// Ciphertexts are stored as "enc:v1:<base64(nonce|ciphertext)>" so legacy
// plaintext values can be told apart and still read.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

const prefix = "enc:v1:"

var warnOnce sync.Once

// Box encrypts and decrypts credential strings with a key derived from the
// deployment's encryption secret.
type Box struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from the given secret and returns a Box.
// An empty secret falls back to a fixed derivation so development setups keep
// working; the fallback is logged once.
func New(secret string) (*Box, error) {
	if secret == "" {
		warnOnce.Do(func() {
			logger.Warn("secrets", "no encryption key configured, using fallback derivation",
				"hint", "set EMAIL_CONFIG_ENCRYPTION_KEY in production")
		})
		secret = "cuenly-dev-fallback"
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a prefixed, base64-encoded token.
// Empty input passes through unchanged.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the "enc:v1:"
// prefix are treated as legacy plaintext and returned as-is, so configs
// created before encryption was introduced still authenticate.
func (b *Box) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("secrets: ciphertext too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether the value carries the encryption prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}
