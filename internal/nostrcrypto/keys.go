package nostrcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// NormalizePubkey implements spec.md Testable Property 1: a 66-char
// compressed key (02/03 prefix) is reduced to its 64-char x-only hex form;
// an already-normalized key is returned unchanged (idempotent).
func NormalizePubkey(pubkeyHex string) (string, error) {
	pubkeyHex = strings.ToLower(strings.TrimSpace(pubkeyHex))
	switch len(pubkeyHex) {
	case 64:
		if _, err := hex.DecodeString(pubkeyHex); err != nil {
			return "", errors.New("nostrcrypto: invalid pubkey hex")
		}
		return pubkeyHex, nil
	case 66:
		if !strings.HasPrefix(pubkeyHex, "02") && !strings.HasPrefix(pubkeyHex, "03") {
			return "", errors.New("nostrcrypto: 66-char pubkey must be 02/03 prefixed")
		}
		return pubkeyHex[2:], nil
	default:
		return "", errors.New("nostrcrypto: pubkey must be 64 or 66 hex chars")
	}
}

// GenerateTransportSecret produces the 32 random bytes spec.md §3 stores
// per user as the NIP-46 signer channel's transport_secret.
func GenerateTransportSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// DeriveTransportKeypair derives the transport private/public keypair the
// daemon uses to speak NIP-46 on behalf of a user, from their persisted
// transport_secret. The secret doubles directly as the secp256k1 scalar.
func DeriveTransportKeypair(secret []byte) (privKey []byte, pubKeyXOnly string, err error) {
	if len(secret) != 32 {
		return nil, "", errors.New("nostrcrypto: transport secret must be 32 bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(secret)
	if priv == nil || pub == nil {
		return nil, "", errors.New("nostrcrypto: invalid transport secret")
	}
	return secret, hex.EncodeToString(pub.SerializeCompressed()[1:]), nil
}

// SignEventHash produces a BIP-340 schnorr signature over a 32-byte event
// id hash using the given secp256k1 private key.
func SignEventHash(privKey, idHash []byte) (string, error) {
	if len(idHash) != 32 {
		return "", errors.New("nostrcrypto: event hash must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	sig, err := schnorr.Sign(priv, idHash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyEventSignature verifies a hex BIP-340 signature against a 32-byte
// x-only pubkey and a 32-byte event id hash.
func VerifyEventSignature(pubkeyBytes, idHash []byte, sigHex string) (bool, error) {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, err
	}
	pubKey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false, err
	}
	return sig.Verify(idHash, pubKey), nil
}
