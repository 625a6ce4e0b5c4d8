package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultPBKDF2Iterations satisfies spec.md §4.4's "≥ 600k" floor.
	DefaultPBKDF2Iterations = 600_000
	encryptionSaltLen       = 16
	gcmIVLen                = 12
	gcmTagLen               = 16
)

// ErrDecryptionFailed is the single opaque error credential decryption
// ever surfaces — spec.md §4.4/§7 forbid distinguishing AEAD-tag failure
// from key-derivation failure externally.
var ErrDecryptionFailed = errors.New("auth: decryption failed")

// NewEncryptionSalt generates the 16-byte salt stored alongside a user row,
// independent of the Argon2id authentication salt (dual-salt separation,
// Testable Property 3).
func NewEncryptionSalt() (string, error) {
	salt := make([]byte, encryptionSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

// DeriveCredentialKey derives the 32-byte AES key from password and the
// user's stored encryption salt (hex) via PBKDF2-HMAC-SHA256.
func DeriveCredentialKey(password, encryptionSaltHex string, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	salt, err := hex.DecodeString(encryptionSaltHex)
	if err != nil {
		return nil, errors.New("auth: invalid encryption salt")
	}
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New), nil
}

// ParsePreDerivedKey validates a pre-derived 32-byte key supplied as hex or
// raw bytes, for the headless IGLOO_MASTER_KEY handoff path (Open Question 3).
func ParsePreDerivedKey(raw string) ([]byte, error) {
	if len(raw) == 64 {
		key, err := hex.DecodeString(raw)
		if err == nil && len(key) == 32 {
			return key, nil
		}
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, errors.New("auth: master key must be 32 bytes raw or 64 hex chars")
}

// EncryptCredential encrypts plaintext with AES-256-GCM under key,
// returning base64(iv || tag || ciphertext).
func EncryptCredential(plaintext string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", errors.New("auth: credential key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagLen)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcmIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	// cipher.AEAD.Seal appends ciphertext||tag; spec.md's wire format
	// wants iv||tag||ciphertext, so split and reorder.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	out := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptCredential reverses EncryptCredential. Any failure — malformed
// blob, wrong key, tampered tag — surfaces uniformly as ErrDecryptionFailed.
func DecryptCredential(blob string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", ErrDecryptionFailed
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(raw) < gcmIVLen+gcmTagLen {
		return "", ErrDecryptionFailed
	}
	iv := raw[:gcmIVLen]
	tag := raw[gcmIVLen : gcmIVLen+gcmTagLen]
	ciphertext := raw[gcmIVLen+gcmTagLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagLen)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
