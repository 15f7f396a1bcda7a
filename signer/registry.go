package signer

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Registry holds signing identities keyed by address.
type Registry struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewRegistry() *Registry {
	return &Registry{keys: map[common.Address]*ecdsa.PrivateKey{}}
}

// Add registers the hex private key for address. The address derived from the
// key must equal address; otherwise nothing is registered.
func (r *Registry) Add(address common.Address, privateKeyHex string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return &identityError{fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	derived := crypto.PubkeyToAddress(key.PublicKey)
	if derived != address {
		return &identityError{fmt.Errorf("%w: key belongs to %s, declared %s", ErrIdentityMismatch, derived.Hex(), address.Hex())}
	}
	r.mu.Lock()
	r.keys[address] = key
	r.mu.Unlock()
	return nil
}

// AddKey registers key under its own address and returns that address.
func (r *Registry) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	r.mu.Lock()
	r.keys[addr] = key
	r.mu.Unlock()
	return addr
}

func (r *Registry) Get(address common.Address) (*ecdsa.PrivateKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[address]
	return key, ok
}

func (r *Registry) Has(address common.Address) bool {
	_, ok := r.Get(address)
	return ok
}

// Remove forgets address. It reports whether it was registered.
func (r *Registry) Remove(address common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[address]
	delete(r.keys, address)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Addresses returns the registered addresses in byte order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	out := make([]common.Address, 0, len(r.keys))
	for addr := range r.keys {
		out = append(out, addr)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
