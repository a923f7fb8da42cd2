package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Flat error taxonomy for the private transaction pipeline. Each value maps
// to one outcome an upstream RPC handler needs to distinguish; none of them
// carry a retry hint, matching how the originating system reported these.
var (
	ErrSignerAccountNotSet  = errors.New("privatetx: signer account is not set")
	ErrBadTransactionType   = errors.New("privatetx: transaction action does not match operation")
	ErrKeyServerNotSet      = errors.New("privatetx: key server base url is not configured")
	ErrStatePruned          = errors.New("privatetx: state for requested block is pruned")
	ErrContractDoesNotExist = errors.New("privatetx: contract address could not be resolved")
	ErrStateIncorrect       = errors.New("privatetx: signature does not recover to a known validator")
	ErrClientIsMalformed    = errors.New("privatetx: chain client returned a malformed response")
	ErrRlpDecode            = errors.New("privatetx: rlp decode failed")
)

// EncryptionKeyNotFoundError reports that the key server has no session key
// for contract. Recoverable by the caller falling back to key generation.
type EncryptionKeyNotFoundError struct {
	Contract common.Address
}

func (e *EncryptionKeyNotFoundError) Error() string {
	return fmt.Sprintf("privatetx: no encryption key for contract %s", e.Contract.Hex())
}

// EncryptError wraps a failure encrypting data under a contract's session key.
type EncryptError struct{ Reason string }

func (e *EncryptError) Error() string { return "privatetx: encrypt: " + e.Reason }

// DecryptError wraps a failure decrypting previously encrypted data.
type DecryptError struct{ Reason string }

func (e *DecryptError) Error() string { return "privatetx: decrypt: " + e.Reason }

// CallError wraps a failure calling into the stub contract (state/validator
// reads, or the virtual execution of the private transaction itself).
type CallError struct{ Reason string }

func (e *CallError) Error() string { return "privatetx: call: " + e.Reason }

// AccountProviderError wraps a failure delegated to the external account
// provider (decrypt, sign, or unlock).
type AccountProviderError struct{ Reason string }

func (e *AccountProviderError) Error() string { return "privatetx: account provider: " + e.Reason }

// IsEncryptionKeyNotFound reports whether err (or one it wraps) indicates
// the key server holds no session key yet for the contract.
func IsEncryptionKeyNotFound(err error) bool {
	var e *EncryptionKeyNotFoundError
	return errors.As(err, &e)
}
