package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/privatetx/provider/internal/stub"
)

// FakeState is an in-memory scratch State used by FakeChain.StateAt and by
// FakeVM. It never touches anything durable; a fresh one backs every
// virtual execution.
type FakeState struct {
	mu       sync.Mutex
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
}

// NewFakeState returns an empty scratch state.
func NewFakeState() *FakeState {
	return &FakeState{
		code:    make(map[common.Address][]byte),
		storage: make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (s *FakeState) PatchAccount(addr common.Address, code []byte, storage map[common.Hash]common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code[addr] = append([]byte(nil), code...)
	cp := make(map[common.Hash]common.Hash, len(storage))
	for k, v := range storage {
		cp[k] = v
	}
	s.storage[addr] = cp
	return nil
}

func (s *FakeState) GetStorage(addr common.Address, key common.Hash) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage[addr][key], nil
}

func (s *FakeState) SetStorage(addr common.Address, key, value common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storage[addr] == nil {
		s.storage[addr] = make(map[common.Hash]common.Hash)
	}
	s.storage[addr][key] = value
	return nil
}

func (s *FakeState) Account(addr common.Address) ([]byte, map[common.Hash]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[common.Hash]common.Hash, len(s.storage[addr]))
	for k, v := range s.storage[addr] {
		cp[k] = v
	}
	return append([]byte(nil), s.code[addr]...), cp, nil
}

// Test contract selectors for the toy "setX(bytes32)/getX()" contract used
// by the end-to-end test scenarios (mirroring the Test1 contract the
// private-transactions module itself tests against).
var (
	setXSelector = selector("setX(bytes32)")
	getXSelector = selector("getX()")
)

func selector(sig string) [4]byte {
	h := crypto.Keccak256([]byte(sig))
	var out [4]byte
	copy(out[:], h[:4])
	return out
}

// storageSlotX is the only storage slot the toy contract uses.
var storageSlotX common.Hash

// FakeVM is a deterministic stand-in for a real EVM. It understands exactly
// one toy contract (setX/getX, matching the module's own end-to-end test
// fixture) and contract creation (which just derives the new address — no
// constructor logic runs). It never commits anything outside the State it
// is given.
type FakeVM struct{}

func NewFakeVM() *FakeVM { return &FakeVM{} }

func (FakeVM) TransactVirtual(_ context.Context, state State, _ *EnvInfo, tx *types.Transaction, sender common.Address) (*ExecutionResult, error) {
	if tx.To() == nil {
		addr := crypto.CreateAddress(sender, tx.Nonce())
		return &ExecutionResult{ContractAddress: &addr}, nil
	}

	addr := *tx.To()
	data := tx.Data()
	if len(data) < 4 {
		return nil, &CallError{Reason: "call data shorter than a method selector"}
	}
	var sel [4]byte
	copy(sel[:], data[:4])

	switch sel {
	case setXSelector:
		if len(data) < 36 {
			return nil, &CallError{Reason: "setX call data truncated"}
		}
		var val common.Hash
		val.SetBytes(data[4:36])
		if err := state.SetStorage(addr, storageSlotX, val); err != nil {
			return nil, &CallError{Reason: err.Error()}
		}
		return &ExecutionResult{ContractAddress: &addr}, nil
	case getXSelector:
		val, err := state.GetStorage(addr, storageSlotX)
		if err != nil {
			return nil, &CallError{Reason: err.Error()}
		}
		return &ExecutionResult{ContractAddress: &addr, Output: val.Bytes()}, nil
	default:
		return nil, &CallError{Reason: fmt.Sprintf("unrecognized selector %x", sel)}
	}
}

// fakeStubContract is the deployed, on-chain state of one stub contract:
// the encrypted code/storage of a private contract plus its validator set.
type fakeStubContract struct {
	code       []byte
	state      []byte
	validators []common.Address
}

// FakeChain is a single in-memory fixture implementing ChainClient, Miner,
// and the chain-side bookkeeping the provider needs, entirely in terms of
// Go maps. It exists for tests and the demo provider binary; it is not a
// reduced EVM.
type FakeChain struct {
	mu        sync.Mutex
	contracts map[common.Address]*fakeStubContract
	nonces    map[common.Address]uint64
	balances  map[common.Address]*big.Int
	bestBlock uint64
	queued    []common.Hash
	mined     []*types.Transaction
	signer    types.Signer
}

// NewFakeChain returns an empty FakeChain using the given transaction
// signer to recover senders of mined transactions.
func NewFakeChain(signer types.Signer) *FakeChain {
	return &FakeChain{
		contracts: make(map[common.Address]*fakeStubContract),
		nonces:    make(map[common.Address]uint64),
		balances:  make(map[common.Address]*big.Int),
		signer:    signer,
	}
}

// SetBalance seeds an account's balance for nonce/balance preflight checks.
func (c *FakeChain) SetBalance(addr common.Address, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(balance)
}

// AdvanceBlock increments the synthetic chain head, as if a new block was
// just imported, and returns the new head number.
func (c *FakeChain) AdvanceBlock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bestBlock++
	return c.bestBlock
}

// Queued returns the hashes passed to NotifyTransactionQueued, for test
// assertions.
func (c *FakeChain) Queued() []common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.Hash(nil), c.queued...)
}

// Mined returns every transaction submitted via ImportOwnTransaction.
func (c *FakeChain) Mined() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.mined...)
}

func (c *FakeChain) EnvInfo(_ BlockID) (*EnvInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &EnvInfo{Number: c.bestBlock, GasLimit: big.NewInt(8_000_000)}, true
}

func (c *FakeChain) StateAt(_ BlockID) (State, bool) {
	return NewFakeState(), true
}

func (c *FakeChain) CallContract(_ context.Context, _ BlockID, addr common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &CallError{Reason: "call data shorter than a method selector"}
	}
	var sel [4]byte
	copy(sel[:], data[:4])

	c.mu.Lock()
	contract, ok := c.contracts[addr]
	c.mu.Unlock()
	if !ok {
		return nil, ErrContractDoesNotExist
	}

	switch sel {
	case stub.SelectorGetCode:
		return stub.PackCodeReturn(contract.code)
	case stub.SelectorGetState:
		return stub.PackStateReturn(contract.state)
	case stub.SelectorGetValidators:
		return stub.PackValidatorsReturn(contract.validators)
	default:
		return nil, &CallError{Reason: fmt.Sprintf("unrecognized stub selector %x", sel)}
	}
}

func (c *FakeChain) ChainInfo() ChainInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainInfo{BestBlockNumber: c.bestBlock}
}

func (c *FakeChain) AccountNonce(_ BlockID, addr common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[addr], nil
}

func (c *FakeChain) AccountBalance(_ BlockID, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *FakeChain) NotifyTransactionQueued(hash common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, hash)
	return nil
}

// ImportOwnTransaction applies a deployment or setState transaction
// directly to the fixture's deployed-contract map, standing in for both
// the transaction pool and its eventual mining.
func (c *FakeChain) ImportOwnTransaction(_ context.Context, tx *types.Transaction) error {
	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return &CallError{Reason: "recover sender: " + err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mined = append(c.mined, tx)

	if tx.To() == nil {
		validators, code, state, err := stub.DecodeConstructor(tx.Data())
		if err != nil {
			return &CallError{Reason: err.Error()}
		}
		addr := crypto.CreateAddress(sender, tx.Nonce())
		c.contracts[addr] = &fakeStubContract{code: code, state: state, validators: validators}
		c.nonces[sender]++
		return nil
	}

	contract, ok := c.contracts[*tx.To()]
	if !ok {
		return ErrContractDoesNotExist
	}
	newState, err := stub.DecodeSetStateCall(tx.Data())
	if err != nil {
		return &CallError{Reason: err.Error()}
	}
	contract.state = newState
	c.nonces[sender]++
	return nil
}
