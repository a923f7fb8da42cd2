// Package keybroker manages the symmetric session keys used to encrypt and
// decrypt private contract code, storage, and the inner signed transaction.
// A session key is fetched (or, on first use, generated) from an external
// key server and cached for 30 seconds, sealed at rest in a memguard
// enclave exactly as the teacher's signer package seals its own ECDSA key
// between uses.
package keybroker

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"

	"github.com/privatetx/provider/internal/chain"
)

// initVecLen is the width, in bytes, of both the AES-CTR IV appended to
// every ciphertext and the session key itself.
const initVecLen = 16

// DefaultSessionTTL is how long a fetched session key is cached before the
// broker re-asks the key server for it, absent an explicit ttl passed to New.
const DefaultSessionTTL = 30 * time.Second

// Encryptor is the interface the rest of the pipeline encrypts and decrypts
// through. KeyBroker and DummyEncryptor both satisfy it.
type Encryptor interface {
	Encrypt(ctx context.Context, contract, requester common.Address, iv [16]byte, plainData []byte) ([]byte, error)
	Decrypt(ctx context.Context, contract, requester common.Address, cipherData []byte) ([]byte, error)
}

type cachedSession struct {
	enclave   *memguard.Enclave
	expiresAt time.Time
}

// KeyBroker is the SecretStore-backed Encryptor: it asks an external key
// server for a per-contract session key (generating one on first use), and
// uses it to AES-CTR encrypt/decrypt data, appending the IV to the
// ciphertext so the decrypting side never needs it supplied separately.
type KeyBroker struct {
	httpClient *http.Client
	baseURL    string
	threshold  uint32
	accounts   chain.AccountProvider
	sessionTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[common.Address]*cachedSession
}

// New creates a KeyBroker. baseURL may be empty, in which case every
// retrieval fails with chain.ErrKeyServerNotSet until reconfigured. A
// sessionTTL of zero uses DefaultSessionTTL, mirroring the teacher's
// SessionManager defaulting its own idle timeout when none is configured.
func New(baseURL string, threshold uint32, accounts chain.AccountProvider, httpClient *http.Client, sessionTTL time.Duration) *KeyBroker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &KeyBroker{
		httpClient: httpClient,
		baseURL:    baseURL,
		threshold:  threshold,
		accounts:   accounts,
		sessionTTL: sessionTTL,
		now:        time.Now,
		sessions:   make(map[common.Address]*cachedSession),
	}
}

// Encrypt retrieves (or generates) the session key for contract and
// AES-CTR encrypts plainData under iv, returning ciphertext||iv.
func (b *KeyBroker) Encrypt(ctx context.Context, contract, requester common.Address, iv [16]byte, plainData []byte) ([]byte, error) {
	key, err := b.retrieveKey(ctx, contract, requester, http.MethodGet, "")
	if chain.IsEncryptionKeyNotFound(err) {
		key, err = b.retrieveKey(ctx, contract, requester, http.MethodPost, fmt.Sprintf("/%d", b.threshold))
	}
	if err != nil {
		return nil, err
	}

	out, err := aesCrypt(key, iv, plainData)
	if err != nil {
		return nil, &chain.EncryptError{Reason: err.Error()}
	}
	return append(out, iv[:]...), nil
}

// Decrypt splits the trailing IV off cipherData and AES-CTR decrypts the
// remainder using the contract's cached (or freshly retrieved) session key.
func (b *KeyBroker) Decrypt(ctx context.Context, contract, requester common.Address, cipherData []byte) ([]byte, error) {
	if len(cipherData) < initVecLen {
		return nil, &chain.DecryptError{Reason: "ciphertext shorter than the initialization vector"}
	}

	key, err := b.retrieveKey(ctx, contract, requester, http.MethodGet, "")
	if err != nil {
		return nil, err
	}

	split := len(cipherData) - initVecLen
	body := cipherData[:split]
	var iv [16]byte
	copy(iv[:], cipherData[split:])

	out, err := aesCrypt(key, iv, body)
	if err != nil {
		return nil, &chain.DecryptError{Reason: err.Error()}
	}
	return out, nil
}

// retrieveKey returns the contract's session key, checking the cache first
// and falling back to an HTTP round trip to the key server.
func (b *KeyBroker) retrieveKey(ctx context.Context, contract, requester common.Address, method, urlSuffix string) ([]byte, error) {
	if key, ok := b.obtainedKey(contract); ok {
		return key, nil
	}
	if b.baseURL == "" {
		return nil, chain.ErrKeyServerNotSet
	}

	// The key server indexes sessions by a 32-byte id; a contract address is
	// 20 bytes, left-padded with zeros to match.
	var extended [32]byte
	copy(extended[12:], contract.Bytes())
	url := fmt.Sprintf("%s/%s%s", strings.TrimRight(b.baseURL, "/"), hex.EncodeToString(extended[:]), urlSuffix)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &chain.EncryptError{Reason: err.Error()}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &chain.EncryptError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &chain.EncryptionKeyNotFoundError{Contract: contract}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &chain.EncryptError{Reason: "key server: " + resp.Status}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &chain.EncryptError{Reason: err.Error()}
	}

	// The response body is a JSON string containing the hex-encoded,
	// ECIES-encrypted public key material.
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err != nil {
		return nil, &chain.EncryptError{Reason: "malformed key server response"}
	}
	encrypted, err := hex.DecodeString(strings.TrimPrefix(quoted, "0x"))
	if err != nil {
		return nil, &chain.EncryptError{Reason: "key server response is not valid hex"}
	}

	decrypted, err := b.accounts.Decrypt(ctx, requester, nil, encrypted)
	if err != nil {
		return nil, &chain.AccountProviderError{Reason: err.Error()}
	}
	if len(decrypted) < initVecLen {
		return nil, &chain.DecryptError{Reason: "decrypted key material shorter than required"}
	}

	key := append([]byte(nil), decrypted[:initVecLen]...)
	b.cache(contract, key)
	return key, nil
}

func (b *KeyBroker) obtainedKey(contract common.Address) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[contract]
	if !ok {
		return nil, false
	}
	if b.now().After(session.expiresAt) {
		delete(b.sessions, contract)
		return nil, false
	}

	buf, err := session.enclave.Open()
	if err != nil {
		delete(b.sessions, contract)
		return nil, false
	}
	key := append([]byte(nil), buf.Bytes()...)
	buf.Destroy()
	return key, true
}

func (b *KeyBroker) cache(contract common.Address, key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[contract] = &cachedSession{
		enclave:   memguard.NewEnclave(key),
		expiresAt: b.now().Add(b.sessionTTL),
	}
}

// aesCrypt runs AES-CTR over data with key and iv. CTR mode is an
// involution, so the same call encrypts and decrypts.
func aesCrypt(key []byte, iv [16]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, data)
	return out, nil
}
