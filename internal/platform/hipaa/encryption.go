package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrCiphertext is returned when a sealed value is truncated, tampered with,
// sealed under another key, or bound to a different record.
var ErrCiphertext = errors.New("phi: ciphertext rejected")

// PHIEncryptor seals PHI at rest with AES-256-GCM. A sealed value is
// nonce || ciphertext and is bound to the caller's associated data, normally
// the owning row id, so it cannot be replayed onto another row.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptorFromHex parses HIPAA_ENCRYPTION_KEY (64 hex chars). An empty
// key returns (nil, nil) and callers store plaintext.
func NewPHIEncryptorFromHex(hexKey string) (*PHIEncryptor, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("phi key is not hex: %w", err)
	}
	return NewPHIEncryptor(key)
}

func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PHIEncryptor{aead: aead}, nil
}

// Seal encrypts data bound to aad.
func (e *PHIEncryptor) Seal(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(data)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("phi nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, data, aad), nil
}

// Open reverses Seal. aad must match the value used to seal.
func (e *PHIEncryptor) Open(sealed, aad []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n+e.aead.Overhead() {
		return nil, ErrCiphertext
	}
	plain, err := e.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plain, nil
}
