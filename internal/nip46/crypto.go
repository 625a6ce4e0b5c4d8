package nip46

import (
	"encoding/hex"
	"errors"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
)

// Scheme names which envelope encryption a request arrived under, so a
// reply can be sent back the same way (spec.md §4.3's decryption
// fallback: NIP-44 preferred, NIP-04 fallback, and the reply always
// mirrors whichever scheme the inbound envelope actually used).
type Scheme int

const (
	SchemeNip44 Scheme = iota
	SchemeNip04
)

func decodeXOnly(xOnlyHex string) ([]byte, error) {
	b, err := hex.DecodeString(xOnlyHex)
	if err != nil || len(b) != 32 {
		return nil, errors.New("nip46: invalid x-only pubkey")
	}
	return b, nil
}

// DecryptEnvelope opens a kind 24133 content field addressed to privKey
// from peerPubkeyHex, trying NIP-44 first and falling back to NIP-04.
func DecryptEnvelope(payload string, privKey []byte, peerPubkeyHex string) (string, Scheme, error) {
	peerXOnly, err := nostrcrypto.NormalizePubkey(peerPubkeyHex)
	if err != nil {
		return "", 0, err
	}
	peerBytes, err := decodeXOnly(peerXOnly)
	if err != nil {
		return "", 0, err
	}

	if convKey, err := nostrcrypto.GetConversationKey(privKey, peerBytes); err == nil {
		if plaintext, err := nostrcrypto.Nip44Decrypt(payload, convKey); err == nil {
			return plaintext, SchemeNip44, nil
		}
	}

	sharedX, err := nostrcrypto.RawECDH(privKey, peerBytes)
	if err != nil {
		return "", 0, err
	}
	aesKey := nostrcrypto.SharedSecretKeyFromECDH(sharedX)
	plaintext, err := nostrcrypto.Nip04Decrypt(payload, aesKey)
	if err != nil {
		return "", 0, errors.New("nip46: envelope decrypt failed under both nip44 and nip04")
	}
	return plaintext, SchemeNip04, nil
}

// EncryptEnvelope seals a reply under the given scheme, the mirror of
// DecryptEnvelope.
func EncryptEnvelope(plaintext string, privKey []byte, peerPubkeyHex string, scheme Scheme) (string, error) {
	peerXOnly, err := nostrcrypto.NormalizePubkey(peerPubkeyHex)
	if err != nil {
		return "", err
	}
	peerBytes, err := decodeXOnly(peerXOnly)
	if err != nil {
		return "", err
	}

	if scheme == SchemeNip44 {
		convKey, err := nostrcrypto.GetConversationKey(privKey, peerBytes)
		if err != nil {
			return "", err
		}
		return nostrcrypto.Nip44Encrypt(plaintext, convKey)
	}

	sharedX, err := nostrcrypto.RawECDH(privKey, peerBytes)
	if err != nil {
		return "", err
	}
	aesKey := nostrcrypto.SharedSecretKeyFromECDH(sharedX)
	return nostrcrypto.Nip04Encrypt(plaintext, aesKey)
}
