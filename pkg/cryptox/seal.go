package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts small secrets (TOTP seeds) for storage at rest with
// XChaCha20-Poly1305. Plaintext only ever exists in memory during
// verification.
type Sealer struct {
	key [chacha20poly1305.KeySize]byte
}

// MinSealKeyLength is the minimum length for the configured encryption key
// material before key derivation.
const MinSealKeyLength = 32

var (
	ErrWeakSealKey   = errors.New("cryptox: seal key must be at least 32 chars with upper, lower and digit characters")
	ErrSealCorrupted = errors.New("cryptox: sealed value corrupted or wrong key")
)

// NewSealer derives an AEAD key from the configured key material. The raw key
// must be at least MinSealKeyLength characters and mix character classes;
// anything weaker is a configuration error the caller should treat as fatal.
func NewSealer(rawKey string) (*Sealer, error) {
	if err := validateSealKey(rawKey); err != nil {
		return nil, err
	}
	s := &Sealer{key: sha256.Sum256([]byte(rawKey))}
	return s, nil
}

func validateSealKey(raw string) error {
	if len(raw) < MinSealKeyLength {
		return ErrWeakSealKey
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range raw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return ErrWeakSealKey
	}
	return nil
}

// Seal encrypts plaintext and returns base64url(nonce || ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("cryptox: init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptox: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealCorrupted
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("cryptox: init aead: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrSealCorrupted
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealCorrupted
	}
	return string(plaintext), nil
}
