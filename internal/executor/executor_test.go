package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/keybroker"
)

func newExecutor() *PrivateExecutor {
	signer := types.HomesteadSigner{}
	fc := chain.NewFakeChain(signer)
	return New(fc, chain.NewFakeVM(), keybroker.DummyEncryptor{})
}

func TestExecutePrivateCreateReturnsDeterministicAddress(t *testing.T) {
	exec := newExecutor()
	sender := common.HexToAddress("0xaaaa")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, To: nil, Gas: 1_000_000, GasPrice: big.NewInt(0), Value: new(big.Int)})

	result, err := exec.ExecutePrivate(context.Background(), tx, sender, chain.Latest)
	if err != nil {
		t.Fatalf("execute private create: %v", err)
	}

	wantAddr := crypto.CreateAddress(sender, tx.Nonce())
	if result.Exec.ContractAddress == nil || *result.Exec.ContractAddress != wantAddr {
		t.Fatalf("contract address = %v, want %s", result.Exec.ContractAddress, wantAddr)
	}
	// The fake VM never deposits bytecode or storage on creation, so the
	// identity encryptor hands back an empty storage snapshot (and an empty
	// Code); this test checks the derived address and the empty snapshot.
	if len(result.State) != 0 {
		t.Fatalf("expected an empty storage snapshot for a fresh contract, got %d bytes", len(result.State))
	}
}

func TestExecutePrivateTransactionRejectsCreate(t *testing.T) {
	exec := newExecutor()
	sender := common.HexToAddress("0xaaaa")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: nil, Gas: 1_000_000, GasPrice: big.NewInt(0), Value: new(big.Int)})

	_, err := exec.ExecutePrivateTransaction(context.Background(), tx, sender, chain.Latest)
	if !errors.Is(err, chain.ErrBadTransactionType) {
		t.Fatalf("expected ErrBadTransactionType, got %v", err)
	}
}

func TestExecutePrivateCallAgainstUnknownContract(t *testing.T) {
	exec := newExecutor()
	sender := common.HexToAddress("0xaaaa")
	to := common.HexToAddress("0xdeadbeef")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Gas: 1_000_000, GasPrice: big.NewInt(0), Value: new(big.Int), Data: []byte{1, 2, 3, 4}})

	_, err := exec.ExecutePrivateTransaction(context.Background(), tx, sender, chain.Latest)
	if !errors.Is(err, chain.ErrContractDoesNotExist) {
		t.Fatalf("expected ErrContractDoesNotExist, got %v", err)
	}
}

func TestGetValidatorsAgainstUnknownContract(t *testing.T) {
	exec := newExecutor()
	_, err := exec.GetValidators(context.Background(), chain.Latest, common.HexToAddress("0xdeadbeef"))
	if !errors.Is(err, chain.ErrContractDoesNotExist) {
		t.Fatalf("expected ErrContractDoesNotExist, got %v", err)
	}
}
