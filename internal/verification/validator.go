package verification

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Sentinel errors returned by preflight.
var (
	ErrDuplicateTransaction = errors.New("verification: transaction already queued")
	ErrNonceTooLow          = errors.New("verification: nonce below the account's current nonce")
	ErrInsufficientBalance  = errors.New("verification: balance cannot cover gas and value")
)

// AccountDetailsProvider answers the nonce/balance questions a validator
// needs to decide whether an incoming private transaction is even worth
// queuing, standing in for the chain client's account-state lookups.
type AccountDetailsProvider interface {
	AccountDetails(ctx context.Context, addr common.Address) (nonce uint64, balance *big.Int, err error)
}

// preflight performs the fail-fast checks AddTransaction runs before a
// transaction is queued: it must not already be queued, its nonce must not
// be stale, and the sender must be able to afford it.
func preflight(ctx context.Context, tx *types.Transaction, sender common.Address, alreadyQueued bool, details AccountDetailsProvider) error {
	if alreadyQueued {
		return ErrDuplicateTransaction
	}

	nonce, balance, err := details.AccountDetails(ctx, sender)
	if err != nil {
		return fmt.Errorf("verification: fetch account details: %w", err)
	}

	if tx.Nonce() < nonce {
		return fmt.Errorf("%w: tx nonce %d < account nonce %d", ErrNonceTooLow, tx.Nonce(), nonce)
	}

	cost := tx.Cost()
	if cost.Cmp(balance) > 0 {
		return fmt.Errorf("%w: cost %s > balance %s", ErrInsufficientBalance, cost, balance)
	}

	return nil
}
