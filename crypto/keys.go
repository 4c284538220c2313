// Package crypto loads the secp256k1 keys the coordinator signs with.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps an ECDSA key on the secp256k1 curve.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the account controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// ParseHexKey decodes a hex private key with or without the 0x prefix.
func ParseHexKey(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(decoded)
}

// LoadKey resolves the signing key from a hex value, falling back to an
// encrypted keystore when raw is empty. passphrase is only consulted for the
// keystore.
func LoadKey(raw, keystorePath string, passphrase func() (string, error)) (*PrivateKey, error) {
	if strings.TrimSpace(raw) != "" {
		return ParseHexKey(raw)
	}
	if strings.TrimSpace(keystorePath) == "" {
		return nil, errors.New("crypto: no key or keystore configured")
	}
	if passphrase == nil {
		return nil, errors.New("crypto: keystore passphrase source required")
	}
	secret, err := passphrase()
	if err != nil {
		return nil, err
	}
	return LoadFromKeystore(keystorePath, secret)
}
