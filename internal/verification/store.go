// Package verification tracks private transactions a validator has been
// asked to co-sign: one descriptor per original (decrypted) transaction,
// queued until its nonce equals its sender's current on-chain nonce — at
// which point process_queue re-runs it and signs its resulting state.
package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Desc is the bookkeeping for one transaction queued for verification.
type Desc struct {
	OriginalTransaction *types.Transaction
	Sender              common.Address
	Contract            common.Address
	ValidatorAccount    common.Address
	PrivateHash         common.Hash
	InsertionBlock      uint64
}

func (d *Desc) clone() *Desc {
	cp := *d
	return &cp
}

// Store is the mutex-guarded verification queue. A Desc is keyed primarily
// by the original transaction's hash; a secondary sender→nonce→hash index
// supports the on-chain-nonce lookup ReadyTransactions performs.
type Store struct {
	mu       sync.Mutex
	byHash   map[common.Hash]*Desc
	byNonce  map[common.Address]map[uint64]common.Hash
	currentBlock func() uint64
	staleAfter   uint64
}

// New returns an empty Store. currentBlock supplies the chain's current
// best block number for staleness checks (Reap); staleAfterBlocks is how
// many blocks a descriptor may sit unready before Reap discards it.
func New(currentBlock func() uint64, staleAfterBlocks uint64) *Store {
	return &Store{
		byHash:       make(map[common.Hash]*Desc),
		byNonce:      make(map[common.Address]map[uint64]common.Hash),
		currentBlock: currentBlock,
		staleAfter:   staleAfterBlocks,
	}
}

// AddTransaction runs the preflight checks and, on success, queues original
// for verification under contract, attributed to validatorAccount (the
// local validator identity that will eventually sign it), tagged with the
// private transaction's hash so process_queue can report back against the
// right SigningStore entry on the originator's side.
func (s *Store) AddTransaction(
	ctx context.Context,
	original *types.Transaction,
	sender common.Address,
	contract, validatorAccount common.Address,
	privateHash common.Hash,
	details AccountDetailsProvider,
	insertionBlock uint64,
) error {
	hash := original.Hash()

	s.mu.Lock()
	_, alreadyQueued := s.byHash[hash]
	s.mu.Unlock()

	if err := preflight(ctx, original, sender, alreadyQueued, details); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byHash[hash] = &Desc{
		OriginalTransaction: original,
		Sender:              sender,
		Contract:            contract,
		ValidatorAccount:    validatorAccount,
		PrivateHash:         privateHash,
		InsertionBlock:      insertionBlock,
	}
	if s.byNonce[sender] == nil {
		s.byNonce[sender] = make(map[uint64]common.Hash)
	}
	s.byNonce[sender][original.Nonce()] = hash
	return nil
}

// Get returns a copy of the descriptor for the original transaction hash.
func (s *Store) Get(transactionHash common.Hash) (*Desc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byHash[transactionHash]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// RemovePrivateTransaction discards the descriptor for transactionHash.
// Nothing further needs to happen for the next-nonce transaction to become
// ready: once the sender's on-chain nonce advances past the removed
// transaction, ReadyTransactions will report whatever is queued next for
// that nonce on its own.
func (s *Store) RemovePrivateTransaction(transactionHash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byHash[transactionHash]
	if !ok {
		return
	}
	delete(s.byHash, transactionHash)
	if byNonce, ok := s.byNonce[d.Sender]; ok {
		delete(byNonce, d.OriginalTransaction.Nonce())
		if len(byNonce) == 0 {
			delete(s.byNonce, d.Sender)
		}
	}
}

// ReadyTransactions returns every descriptor whose original transaction's
// nonce equals its sender's current on-chain nonce — the transactions
// process_queue can act on right now. A descriptor queued ahead of its
// sender's actual nonce (the sender has other transactions outstanding
// on-chain first) is left queued until those land and details reports the
// matching nonce.
func (s *Store) ReadyTransactions(ctx context.Context, details AccountDetailsProvider) ([]*Desc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*Desc
	for sender, byNonce := range s.byNonce {
		nonce, _, err := details.AccountDetails(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("verification: fetch account details for %s: %w", sender, err)
		}
		if hash, ok := byNonce[nonce]; ok {
			ready = append(ready, s.byHash[hash].clone())
		}
	}
	return ready, nil
}

// Reap discards every descriptor that has sat unready for more than
// staleAfter blocks, returning their transaction hashes. It is a single
// pass over tracked state, driven by the injectable currentBlock clock so
// tests can control time without sleeping.
func (s *Store) Reap() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.currentBlock()
	var removed []common.Hash
	for hash, d := range s.byHash {
		if now > d.InsertionBlock && now-d.InsertionBlock > s.staleAfter {
			removed = append(removed, hash)
			delete(s.byHash, hash)
			if byNonce, ok := s.byNonce[d.Sender]; ok {
				delete(byNonce, d.OriginalTransaction.Nonce())
				if len(byNonce) == 0 {
					delete(s.byNonce, d.Sender)
				}
			}
		}
	}
	return removed
}

// Run polls Reap every pollInterval until ctx is cancelled, pruning stale
// entries in the background.
func (s *Store) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}
