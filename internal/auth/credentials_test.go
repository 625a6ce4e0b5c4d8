package auth

import "testing"

func TestDeriveCredentialKeyDeterministic(t *testing.T) {
	salt, err := NewEncryptionSalt()
	if err != nil {
		t.Fatalf("NewEncryptionSalt: %v", err)
	}
	// low iteration count keeps the test fast; DefaultPBKDF2Iterations is
	// only the production floor, not something this test needs to pay for.
	k1, err := DeriveCredentialKey("hunter2", salt, 1000)
	if err != nil {
		t.Fatalf("DeriveCredentialKey: %v", err)
	}
	k2, err := DeriveCredentialKey("hunter2", salt, 1000)
	if err != nil {
		t.Fatalf("DeriveCredentialKey: %v", err)
	}
	if string(k1) != string(k2) {
		t.Error("expected deterministic derivation for the same password/salt/iterations")
	}
	if len(k1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(k1))
	}

	k3, err := DeriveCredentialKey("different", salt, 1000)
	if err != nil {
		t.Fatalf("DeriveCredentialKey: %v", err)
	}
	if string(k1) == string(k3) {
		t.Error("expected different keys for different passwords")
	}
}

func TestDeriveCredentialKeyInvalidSalt(t *testing.T) {
	if _, err := DeriveCredentialKey("pw", "not-hex", 1000); err == nil {
		t.Error("expected error for non-hex salt")
	}
}

func TestEncryptDecryptCredentialRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	blob, err := EncryptCredential("bfshare1qqs...", key)
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}
	plain, err := DecryptCredential(blob, key)
	if err != nil {
		t.Fatalf("DecryptCredential: %v", err)
	}
	if plain != "bfshare1qqs..." {
		t.Errorf("got %q, want original plaintext", plain)
	}
}

func TestDecryptCredentialWrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1

	blob, err := EncryptCredential("secret", key)
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}
	if _, err := DecryptCredential(blob, wrongKey); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptCredentialTamperedBlobFails(t *testing.T) {
	key := make([]byte, 32)
	blob, err := EncryptCredential("secret", key)
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}
	tampered := []byte(blob)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := DecryptCredential(string(tampered), key); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed for tampered ciphertext, got %v", err)
	}
}

func TestParsePreDerivedKey(t *testing.T) {
	hexKey := "0102030405060708090a0b0c0d0e0f100102030405060708090a0b0c0d0e0f10"
	key, err := ParsePreDerivedKey(hexKey)
	if err != nil {
		t.Fatalf("ParsePreDerivedKey hex: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}

	raw := string(make([]byte, 32))
	if _, err := ParsePreDerivedKey(raw); err != nil {
		t.Errorf("ParsePreDerivedKey raw 32 bytes: %v", err)
	}

	if _, err := ParsePreDerivedKey("too-short"); err == nil {
		t.Error("expected error for malformed master key")
	}
}
