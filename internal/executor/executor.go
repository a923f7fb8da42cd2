// Package executor runs the decrypt → patch → virtually execute →
// re-encrypt pipeline that both sides of a private transaction run
// independently and must arrive at identical results from: the originator,
// to produce the state it asks validators to co-sign, and each validator,
// to check that state before signing it.
package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/keybroker"
	"github.com/privatetx/provider/internal/statecodec"
	"github.com/privatetx/provider/internal/stub"
)

// Result is everything one virtual execution produced: the re-encrypted
// storage snapshot (always present), the re-encrypted code (only present
// when the transaction was a contract creation — code never changes on a
// call), and the raw execution outcome for callers that need gas/output.
type Result struct {
	Code  []byte // nil unless tx was a contract creation
	State []byte
	Exec  *chain.ExecutionResult
}

// PrivateExecutor ties together a chain client (state/env lookups, stub
// contract reads), a VM (the actual EVM boundary), and an Encryptor (the
// session-key-backed decrypt/re-encrypt of code and storage).
type PrivateExecutor struct {
	client    chain.ChainClient
	vm        chain.VM
	encryptor keybroker.Encryptor
}

// New creates a PrivateExecutor.
func New(client chain.ChainClient, vm chain.VM, encryptor keybroker.Encryptor) *PrivateExecutor {
	return &PrivateExecutor{client: client, vm: vm, encryptor: encryptor}
}

// ExecutePrivate runs tx against block's state, having first decrypted and
// patched in any pre-existing code/storage for a Call, and re-encrypts
// whatever the execution produced. sender must already be the tx's
// recovered signer.
func (e *PrivateExecutor) ExecutePrivate(ctx context.Context, tx *types.Transaction, sender common.Address, block chain.BlockID) (*Result, error) {
	env, ok := e.client.EnvInfo(block)
	if !ok {
		return nil, chain.ErrStatePruned
	}
	env.GasLimit = new(big.Int).SetUint64(tx.Gas())

	state, ok := e.client.StateAt(block)
	if !ok {
		return nil, chain.ErrStatePruned
	}

	isCreate := tx.To() == nil
	if !isCreate {
		contract := *tx.To()
		code, storage, err := e.decryptAccount(ctx, contract, sender, block)
		if err != nil {
			return nil, err
		}
		if err := state.PatchAccount(contract, code, storage); err != nil {
			return nil, &chain.CallError{Reason: err.Error()}
		}
	}

	execResult, err := e.vm.TransactVirtual(ctx, state, env, tx, sender)
	if err != nil {
		return nil, &chain.CallError{Reason: err.Error()}
	}
	if execResult.ContractAddress == nil {
		return nil, chain.ErrContractDoesNotExist
	}
	addr := *execResult.ContractAddress

	code, storage, err := state.Account(addr)
	if err != nil {
		return nil, &chain.CallError{Reason: err.Error()}
	}

	var encCode []byte
	if isCreate {
		ivAddr, err := statecodec.IVFromAddress(addr)
		if err != nil {
			return nil, &chain.EncryptError{Reason: err.Error()}
		}
		encCode, err = e.encryptor.Encrypt(ctx, addr, sender, ivAddr, code)
		if err != nil {
			return nil, err
		}
	}

	ivTx, err := statecodec.IVFromTransaction(tx)
	if err != nil {
		return nil, &chain.EncryptError{Reason: err.Error()}
	}
	encState, err := e.encryptor.Encrypt(ctx, addr, sender, ivTx, statecodec.EncodeStorage(storage))
	if err != nil {
		return nil, err
	}

	return &Result{Code: encCode, State: encState, Exec: execResult}, nil
}

// ExecutePrivateTransaction re-runs an already-private transaction (it must
// be a Call, never a contract creation) and returns only the resulting
// re-encrypted storage snapshot — the value SigningStore and process_queue
// compare and sign over.
func (e *PrivateExecutor) ExecutePrivateTransaction(ctx context.Context, tx *types.Transaction, sender common.Address, block chain.BlockID) ([]byte, error) {
	if tx.To() == nil {
		return nil, chain.ErrBadTransactionType
	}
	result, err := e.ExecutePrivate(ctx, tx, sender, block)
	if err != nil {
		return nil, err
	}
	return result.State, nil
}

// PrivateCall virtually executes tx (either a Call or a Create) and returns
// its raw execution outcome without touching any store — used to answer
// read-only queries against private contract state.
func (e *PrivateExecutor) PrivateCall(ctx context.Context, tx *types.Transaction, sender common.Address, block chain.BlockID) (*chain.ExecutionResult, error) {
	result, err := e.ExecutePrivate(ctx, tx, sender, block)
	if err != nil {
		return nil, err
	}
	return result.Exec, nil
}

// GetValidators reads the stub contract's validator set.
func (e *PrivateExecutor) GetValidators(ctx context.Context, block chain.BlockID, contract common.Address) ([]common.Address, error) {
	data, err := stub.CallData("getValidators")
	if err != nil {
		return nil, fmt.Errorf("executor: encode getValidators call: %w", err)
	}
	ret, err := e.client.CallContract(ctx, block, contract, data)
	if err != nil {
		return nil, err
	}
	return stub.DecodeValidators(ret)
}

func (e *PrivateExecutor) decryptAccount(ctx context.Context, contract, requester common.Address, block chain.BlockID) ([]byte, map[common.Hash]common.Hash, error) {
	codeCall, err := stub.CallData("getCode")
	if err != nil {
		return nil, nil, fmt.Errorf("executor: encode getCode call: %w", err)
	}
	rawCode, err := e.client.CallContract(ctx, block, contract, codeCall)
	if err != nil {
		return nil, nil, err
	}
	encCode, err := stub.DecodeCode(rawCode)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", chain.ErrClientIsMalformed, err)
	}
	code, err := e.encryptor.Decrypt(ctx, contract, requester, encCode)
	if err != nil {
		return nil, nil, err
	}

	stateCall, err := stub.CallData("getState")
	if err != nil {
		return nil, nil, fmt.Errorf("executor: encode getState call: %w", err)
	}
	rawState, err := e.client.CallContract(ctx, block, contract, stateCall)
	if err != nil {
		return nil, nil, err
	}
	encState, err := stub.DecodeState(rawState)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", chain.ErrClientIsMalformed, err)
	}
	flatState, err := e.encryptor.Decrypt(ctx, contract, requester, encState)
	if err != nil {
		return nil, nil, err
	}
	storage, err := statecodec.DecodeStorage(flatState)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: decode storage snapshot: %w", err)
	}

	return code, storage, nil
}
