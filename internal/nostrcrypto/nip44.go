// Package nostrcrypto implements the cryptographic primitives the NIP-46
// signer channel needs: key derivation, NIP-44 v2 and NIP-04 envelope
// encryption, canonical event hashing/signing, and pubkey normalization.
package nostrcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

// ErrUnsupportedVersion is returned when a NIP-44 payload names a future
// encryption version this implementation does not understand.
var ErrUnsupportedVersion = errors.New("nostrcrypto: unsupported nip44 version")

// GetConversationKey derives the NIP-44 shared conversation key via ECDH
// between privKey and pubKey (x-only, 32 bytes), following BIP-340's
// convention of trying both even/odd y parity.
func GetConversationKey(privKeyBytes, pubKeyXOnly []byte) ([]byte, error) {
	sharedXBytes, err := RawECDH(privKeyBytes, pubKeyXOnly)
	if err != nil {
		return nil, err
	}
	return ConversationKeyFromSharedX(sharedXBytes), nil
}

// ConversationKeyFromSharedX finishes NIP-44 key derivation (HKDF-Extract)
// from an already-computed ECDH shared-x value. Used when the shared secret
// came from elsewhere (e.g. a threshold req.ecdh result) rather than from a
// locally-held private key, so RawECDH never runs.
func ConversationKeyFromSharedX(sharedXBytes []byte) []byte {
	return hkdf.Extract(sha256.New, sharedXBytes, []byte(nip44Salt))
}

// RawECDH computes the shared secret's x-coordinate between privKey and an
// x-only pubKey, with no further key derivation applied. NIP-44 feeds this
// through HKDF-Extract (GetConversationKey); NIP-04's legacy scheme instead
// SHA-256's it directly (SharedSecretKeyFromECDH).
func RawECDH(privKeyBytes, pubKeyXOnly []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)

	pubKey, err := parseXOnlyPubKey(pubKeyXOnly)
	if err != nil {
		return nil, err
	}

	sharedX, _ := pubKey.ToECDSA().Curve.ScalarMult(pubKey.X(), pubKey.Y(), privKey.Serialize())

	sharedXBytes := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(sharedXBytes[32-len(raw):], raw)
	return sharedXBytes, nil
}

func parseXOnlyPubKey(pubKeyXOnly []byte) (*btcec.PublicKey, error) {
	if len(pubKeyXOnly) != 32 {
		return nil, errors.New("nostrcrypto: pubkey must be 32 bytes x-only")
	}
	withPrefix := append([]byte{0x02}, pubKeyXOnly...)
	pubKey, err := btcec.ParsePubKey(withPrefix)
	if err == nil {
		return pubKey, nil
	}
	withPrefix[0] = 0x03
	pubKey, err = btcec.ParsePubKey(withPrefix)
	if err != nil {
		return nil, errors.New("nostrcrypto: invalid public key")
	}
	return pubKey, nil
}

func getMessageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("nostrcrypto: invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("nostrcrypto: invalid nonce length")
	}
	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	keys := make([]byte, 76)
	if _, err := reader.Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	unpaddedLen := len(plaintext)
	if unpaddedLen < minPlaintextSize || unpaddedLen > maxPlaintextSize {
		return nil, errors.New("nostrcrypto: invalid plaintext length")
	}
	paddedLen := calcPaddedLen(unpaddedLen)
	result := make([]byte, 2+paddedLen)
	binary.BigEndian.PutUint16(result[0:2], uint16(unpaddedLen))
	copy(result[2:], plaintext)
	return result, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, errors.New("nostrcrypto: padded data too short")
	}
	unpaddedLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpaddedLen == 0 || unpaddedLen > len(padded)-2 {
		return nil, errors.New("nostrcrypto: invalid padding")
	}
	if len(padded) != 2+calcPaddedLen(unpaddedLen) {
		return nil, errors.New("nostrcrypto: invalid padded length")
	}
	return padded[2 : 2+unpaddedLen], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Nip44Encrypt encrypts plaintext with a fresh random nonce.
func Nip44Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44EncryptWithNonce(plaintext, conversationKey, nonce)
}

func nip44EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := getMessageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}
	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	c.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	result := make([]byte, 1+32+len(ciphertext)+32)
	result[0] = nip44Version
	copy(result[1:33], nonce)
	copy(result[33:33+len(ciphertext)], ciphertext)
	copy(result[33+len(ciphertext):], mac)

	return base64.StdEncoding.EncodeToString(result), nil
}

// Nip44Decrypt decrypts a NIP-44 v2 envelope, verifying the MAC before
// releasing any plaintext.
func Nip44Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", ErrUnsupportedVersion
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.New("nostrcrypto: invalid base64")
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", errors.New("nostrcrypto: invalid payload size")
	}
	if data[0] != nip44Version {
		return "", ErrUnsupportedVersion
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := getMessageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	calculated := hmacAAD(hmacKey, ciphertext, nonce)
	if !hmac.Equal(calculated, mac) {
		return "", errors.New("nostrcrypto: invalid MAC")
	}

	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	c.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
