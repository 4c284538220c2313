package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"crossloan/loan"
)

// ErrRevoked is returned by a KeyAuthority after Revoke.
var ErrRevoked = errors.New("signer: key revoked")

// KeyAuthority signs with an in-process secp256k1 key.
type KeyAuthority struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu      sync.RWMutex
	revoked bool
}

// NewKeyAuthority wraps key.
func NewKeyAuthority(key *ecdsa.PrivateKey) (*KeyAuthority, error) {
	if key == nil {
		return nil, errors.New("signer: key required")
	}
	return &KeyAuthority{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// absent reports whether a carries no usable authority, including a typed
// nil *KeyAuthority held in the interface.
func absent(a Authority) bool {
	if a == nil {
		return true
	}
	if ka, ok := a.(*KeyAuthority); ok {
		return ka == nil
	}
	return false
}

// Address returns the account the key controls.
func (a *KeyAuthority) Address() common.Address { return a.address }

// Key exposes the private key for transaction signing.
func (a *KeyAuthority) Key() *ecdsa.PrivateKey { return a.key }

// Revoke permanently disables signing.
func (a *KeyAuthority) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked = true
}

// SignDigest returns a 65 byte signature with a 27/28 recovery id.
func (a *KeyAuthority) SignDigest(ctx context.Context, digest common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	revoked := a.revoked
	a.mu.RUnlock()
	if revoked {
		return nil, ErrRevoked
	}
	sig, err := gethcrypto.Sign(digest.Bytes(), a.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Keyring resolves the authority for an account.
type Keyring struct {
	mu          sync.RWMutex
	authorities map[loan.Account]Authority
}

// NewKeyring registers the supplied authorities.
func NewKeyring(authorities ...Authority) *Keyring {
	k := &Keyring{authorities: make(map[loan.Account]Authority)}
	for _, authority := range authorities {
		if !absent(authority) {
			k.authorities[authority.Address()] = authority
		}
	}
	return k
}

// Lookup returns the authority registered for account.
func (k *Keyring) Lookup(account loan.Account) (Authority, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	authority, ok := k.authorities[account]
	if !ok || absent(authority) {
		return nil, false
	}
	return authority, true
}

// Accounts lists the registered accounts.
func (k *Keyring) Accounts() []loan.Account {
	k.mu.RLock()
	defer k.mu.RUnlock()
	accounts := make([]loan.Account, 0, len(k.authorities))
	for account := range k.authorities {
		accounts = append(accounts, account)
	}
	return accounts
}
