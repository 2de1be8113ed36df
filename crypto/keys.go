// Package crypto provides the key and digest helpers used for node identities and reply comparison.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/mr-tron/base58"
)

// DecodeVerKey decodes a base58 node verification key into an ed25519 public key.
func DecodeVerKey(verkey string) (ed25519.PubKey, error) {
	if verkey == "" {
		return nil, fmt.Errorf("verification key is empty")
	}
	raw, err := base58.Decode(verkey)
	if err != nil {
		return nil, fmt.Errorf("verification key %q is not base58: %w", verkey, err)
	}
	if len(raw) != ed25519.PubKeySize {
		return nil, fmt.Errorf("verification key %q has %d bytes, expected %d", verkey, len(raw), ed25519.PubKeySize)
	}
	return ed25519.PubKey(raw), nil
}

// EncodeVerKey encodes an ed25519 public key as a base58 verification key.
func EncodeVerKey(pub ed25519.PubKey) string {
	return base58.Encode(pub.Bytes())
}

// GenerateVerKey creates a fresh node key and returns its base58 verification key.
func GenerateVerKey() string {
	return EncodeVerKey(ed25519.GenPrivKey().PubKey().(ed25519.PubKey))
}

// NodeFingerprint returns the short hex address of a verification key, used in logs.
func NodeFingerprint(verkey string) (string, error) {
	pub, err := DecodeVerKey(verkey)
	if err != nil {
		return "", err
	}
	return pub.Address().String(), nil
}

// DIDFromVerKey derives the abbreviated DID (first 16 bytes of the key, base58).
func DIDFromVerKey(verkey string) (string, error) {
	pub, err := DecodeVerKey(verkey)
	if err != nil {
		return "", err
	}
	return base58.Encode(pub.Bytes()[:16]), nil
}

// Hash computes SHA256 hash of data.
func Hash(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// HashHex computes SHA256 hash and returns as hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}
