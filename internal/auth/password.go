// Package auth implements password hashing with timing-safe failure,
// dual-salt credential encryption, session lifecycle, and API key
// issuance/verification/revocation per spec.md §4.4.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// ErrInvalidCredentials is the uniform failure both a wrong password and a
// nonexistent username return, per spec.md's AuthFailure taxonomy entry.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// HashPassword hashes password with Argon2id and an embedded random salt,
// encoded as "$argon2id$v=19$m=...,t=...,p=...$salt$hash".
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return encodeArgon2Hash(salt, hash), nil
}

func encodeArgon2Hash(salt, hash []byte) string {
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}

func verifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("auth: malformed password hash")
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, errors.New("auth: malformed password hash params")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// dummyHash is a constant precomputed Argon2id hash verified against when
// the username lookup fails, so a nonexistent account costs exactly the
// same CPU time as a real failed login (spec.md Testable Property / S1).
var dummyHash = mustHash("igloo-signerd-dummy-verification-password")

func mustHash(password string) string {
	h, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return h
}

// VerifyPassword checks password against encoded and returns
// ErrInvalidCredentials on mismatch. userExists must be false for the
// dummy-hash timing-safety path; when false, password is still verified
// (against the constant dummy hash) and encoded is ignored.
func VerifyPassword(password, encoded string, userExists bool) error {
	if !userExists {
		_, _ = verifyPassword(password, dummyHash)
		return ErrInvalidCredentials
	}
	ok, err := verifyPassword(password, encoded)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}
