package chain

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// FakeAccountProvider is an in-memory stand-in for the account-key store.
// Every account is "locked" until UnlockTemporarily succeeds with the
// matching password. Sign requires the account be unlocked first; Decrypt
// does not check the unlocked state.
type FakeAccountProvider struct {
	mu       sync.Mutex
	keys     map[common.Address]*ecdsa.PrivateKey
	password map[common.Address]string
	unlocked map[common.Address]bool
}

// NewFakeAccountProvider returns an account provider with no registered
// accounts.
func NewFakeAccountProvider() *FakeAccountProvider {
	return &FakeAccountProvider{
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		password: make(map[common.Address]string),
		unlocked: make(map[common.Address]bool),
	}
}

// AddAccount registers key under password, locked by default. Returns the
// account's address.
func (p *FakeAccountProvider) AddAccount(key *ecdsa.PrivateKey, password string) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[addr] = key
	p.password[addr] = password
	return addr
}

func (p *FakeAccountProvider) UnlockTemporarily(_ context.Context, account common.Address, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	want, ok := p.password[account]
	if !ok || want != password {
		return &AccountProviderError{Reason: "invalid password"}
	}
	p.unlocked[account] = true
	return nil
}

func (p *FakeAccountProvider) Sign(_ context.Context, account common.Address, hash common.Hash) ([]byte, error) {
	p.mu.Lock()
	key, ok := p.keys[account]
	unlocked := p.unlocked[account]
	p.mu.Unlock()
	if !ok {
		return nil, &AccountProviderError{Reason: "unknown account"}
	}
	if !unlocked {
		return nil, &AccountProviderError{Reason: "account not unlocked"}
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, &AccountProviderError{Reason: err.Error()}
	}
	sig[64] += 27
	return sig, nil
}

// Decrypt performs a real ECIES decryption using the account's key, for
// tests that exercise KeyBroker against something more than DummyEncryptor.
func (p *FakeAccountProvider) Decrypt(_ context.Context, requester common.Address, _ []byte, ciphertext []byte) ([]byte, error) {
	p.mu.Lock()
	key, ok := p.keys[requester]
	p.mu.Unlock()
	if !ok {
		return nil, &AccountProviderError{Reason: "unknown account"}
	}
	eciesKey := ecies.ImportECDSA(key)
	out, err := eciesKey.Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, &AccountProviderError{Reason: err.Error()}
	}
	return out, nil
}
