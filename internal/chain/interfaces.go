// Package chain defines the boundary between the private transaction
// pipeline and everything it treats as an external collaborator: the real
// EVM, the account-key store, the chain's block/state query surface, the
// miner's transaction pool, and the P2P broadcast fabric. None of those are
// implemented here — this package only states the interfaces the rest of
// the module consumes, plus the flat error taxonomy both sides agree on.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockID selects a block for a query. The zero value selects block 0, the
// same as AtNumber(0); use Latest for the current best block.
type BlockID struct {
	Number uint64
	Latest bool
}

// Latest is the sentinel BlockID meaning "the chain's current best block".
var Latest = BlockID{Latest: true}

// AtNumber selects a specific historical block.
func AtNumber(n uint64) BlockID { return BlockID{Number: n} }

// EnvInfo carries the execution environment a virtual transaction runs
// against. GasLimit is overridden per-transaction by the executor (the
// private transaction is never limited by the block's own gas schedule).
type EnvInfo struct {
	Number   uint64
	GasLimit *big.Int
}

// ChainInfo reports chain-head metadata used for bookkeeping (e.g. the
// block number a verification descriptor is recorded at).
type ChainInfo struct {
	BestBlockNumber uint64
}

// State is a scratch, never-committed view of account storage that the
// executor patches with decrypted code/storage before a virtual execution,
// and reads back from afterward. Implementations must not let patches or
// executions escape into the canonical chain state.
type State interface {
	PatchAccount(addr common.Address, code []byte, storage map[common.Hash]common.Hash) error
	GetStorage(addr common.Address, key common.Hash) (common.Hash, error)
	SetStorage(addr common.Address, key, value common.Hash) error
	Account(addr common.Address) (code []byte, storage map[common.Hash]common.Hash, err error)
}

// ExecutionResult is what a virtual transaction produced.
type ExecutionResult struct {
	GasUsed         uint64
	Output          []byte
	ContractAddress *common.Address
}

// VM executes a single transaction against a scratch State without
// committing it anywhere. This is the one seam where a real EVM plugs in;
// the module ships only a deterministic fake for its own tests.
type VM interface {
	TransactVirtual(ctx context.Context, state State, env *EnvInfo, tx *types.Transaction, sender common.Address) (*ExecutionResult, error)
}

// ChainClient is the subset of a full node's client surface the pipeline
// needs: environment/state lookups by block, ABI calls into deployed
// contracts (the stub contract's getState/getValidators accessors), and
// chain-head bookkeeping.
type ChainClient interface {
	EnvInfo(block BlockID) (*EnvInfo, bool)
	StateAt(block BlockID) (State, bool)
	CallContract(ctx context.Context, block BlockID, addr common.Address, data []byte) ([]byte, error)
	ChainInfo() ChainInfo
	AccountNonce(block BlockID, addr common.Address) (uint64, error)
	AccountBalance(block BlockID, addr common.Address) (*big.Int, error)
	// NotifyTransactionQueued tells the client a new private transaction has
	// entered the verification queue and process_queue should be re-run soon.
	// It stands in for the original IO-event-channel send.
	NotifyTransactionQueued(hash common.Hash) error
}

// Miner is the subset of the transaction pool the provider needs to submit
// the final public transaction once a private transaction's state change
// has been co-signed by every required validator.
type Miner interface {
	ImportOwnTransaction(ctx context.Context, tx *types.Transaction) error
}

// AccountProvider is the account-key store: password-gated unlocking,
// decryption of the key-server's session-key response, and signing on
// behalf of an already-unlocked account. The real store is always an
// external collaborator; see chain.KMSAccountProvider (decrypting through
// chain.KMSDecrypter) for one concrete backend and chain.FakeAccountProvider
// for tests.
type AccountProvider interface {
	// UnlockTemporarily attempts to unlock account with password, returning
	// nil only on success. Callers try each configured password in turn.
	UnlockTemporarily(ctx context.Context, account common.Address, password string) error
	// Decrypt decrypts an ECIES-sealed blob addressed to requester. mac is
	// the key-derivation MAC data agreed with the key server (may be nil).
	Decrypt(ctx context.Context, requester common.Address, mac []byte, ciphertext []byte) ([]byte, error)
	// Sign produces an ECDSA signature over hash using account's key. The
	// account must already be unlocked.
	Sign(ctx context.Context, account common.Address, hash common.Hash) ([]byte, error)
}

// BlockImportListener is implemented by anything that wants to be told
// about newly imported blocks — in this module provider.Provider, and the
// notify.Hub and relay.Hub fan-outs that forward the call.
type BlockImportListener interface {
	NewBlocks(imported []common.Hash)
}
