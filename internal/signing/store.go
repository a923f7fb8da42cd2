// Package signing tracks private transactions an originator is waiting to
// get co-signed. One descriptor exists per private transaction hash from
// the moment CreatePrivateTransaction computes its dry-run state until
// every required validator has signed or Remove is called; there is no
// expiry.
package signing

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/privatetx/provider/internal/chain"
)

// ErrNotFound is returned when a private transaction hash has no signing
// descriptor — it was never created, already finalized, or never existed.
var ErrNotFound = errors.New("signing: no descriptor for private transaction hash")

// Desc is the bookkeeping for one private transaction awaiting co-signatures.
type Desc struct {
	PrivateHash         common.Hash
	OriginalTransaction *types.Transaction
	Validators          []common.Address
	State               []byte
	ReceivedSignatures  [][]byte
}

func (d *Desc) clone() *Desc {
	cp := &Desc{
		PrivateHash:         d.PrivateHash,
		OriginalTransaction: d.OriginalTransaction,
		Validators:          append([]common.Address(nil), d.Validators...),
		State:               append([]byte(nil), d.State...),
	}
	cp.ReceivedSignatures = make([][]byte, len(d.ReceivedSignatures))
	for i, s := range d.ReceivedSignatures {
		cp.ReceivedSignatures[i] = append([]byte(nil), s...)
	}
	return cp
}

// Store is a mutex-guarded map keyed by private transaction hash.
type Store struct {
	mu    sync.Mutex
	descs map[common.Hash]*Desc
}

// New returns an empty Store.
func New() *Store {
	return &Store{descs: make(map[common.Hash]*Desc)}
}

// Add records a freshly created private transaction's dry-run state,
// overwriting any previous descriptor for the same hash (a resubmission of
// the identical transaction is idempotent).
func (s *Store) Add(privateHash common.Hash, original *types.Transaction, validators []common.Address, state []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs[privateHash] = &Desc{
		PrivateHash:         privateHash,
		OriginalTransaction: original,
		Validators:          append([]common.Address(nil), validators...),
		State:               append([]byte(nil), state...),
	}
}

// Get returns a copy of the descriptor for hash, if any.
func (s *Store) Get(privateHash common.Hash) (*Desc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[privateHash]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// Remove discards the descriptor for hash. It is not an error for it to
// already be gone — a concurrent finalize may have removed it first.
func (s *Store) Remove(privateHash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.descs, privateHash)
}

// CheckAndAddSignature is the atomic check-and-act primitive that closes
// the race the two-step "is it the last signature / now remove it" sequence
// would otherwise have under concurrent finalizers: it records signerAddr's
// signature and, in the same critical section, decides whether quorum
// (every validator has now signed) was just reached — and if so removes the
// descriptor before releasing the lock, so a second concurrent caller for
// the same hash sees ErrNotFound rather than re-finalizing.
//
// The caller must already have verified sig cryptographically and recovered
// signerAddr from it; this function only enforces that signerAddr is one of
// the descriptor's validators and that sig has not been seen before.
func (s *Store) CheckAndAddSignature(privateHash common.Hash, sig []byte, signerAddr common.Address) (desc *Desc, last bool, duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.descs[privateHash]
	if !ok {
		return nil, false, false, ErrNotFound
	}

	for _, existing := range d.ReceivedSignatures {
		if bytes.Equal(existing, sig) {
			return d.clone(), false, true, nil
		}
	}

	isValidator := false
	for _, v := range d.Validators {
		if v == signerAddr {
			isValidator = true
			break
		}
	}
	if !isValidator {
		return nil, false, false, chain.ErrStateIncorrect
	}

	d.ReceivedSignatures = append(d.ReceivedSignatures, append([]byte(nil), sig...))
	last = len(d.ReceivedSignatures) == len(d.Validators)
	result := d.clone()
	if last {
		delete(s.descs, privateHash)
	}
	return result, last, false, nil
}
