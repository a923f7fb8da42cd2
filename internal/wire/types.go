// Package wire defines the two messages that travel over the broadcast
// fabric: a PrivateTransaction (originator → validators, carrying the
// encrypted inner transaction) and a SignedPrivateTransaction (validator →
// originator, carrying one co-signature over the post-execution state).
// Both are RLP-encoded, matching every other wire type in the chain stack.
package wire

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// PrivateTransaction is what an originator broadcasts after encrypting a
// signed call under its target contract's session key. Contract identifies
// which stub contract (and therefore which validator set and session key)
// the encrypted payload belongs to.
type PrivateTransaction struct {
	Encrypted []byte
	Contract  common.Address
}

// Hash returns the RLP-keccak hash used to key this transaction in the
// SigningStore and to reference it from a SignedPrivateTransaction.
func (pt *PrivateTransaction) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(pt)
	if err != nil {
		// PrivateTransaction has no types RLP cannot encode; a failure here
		// means the value was never validly constructed.
		panic(fmt.Sprintf("wire: encode PrivateTransaction: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Encode RLP-encodes the transaction for broadcast.
func (pt *PrivateTransaction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(pt)
}

// DecodePrivateTransaction decodes a broadcast PrivateTransaction.
func DecodePrivateTransaction(data []byte) (*PrivateTransaction, error) {
	pt := new(PrivateTransaction)
	if err := rlp.DecodeBytes(data, pt); err != nil {
		return nil, fmt.Errorf("wire: decode PrivateTransaction: %w", err)
	}
	return pt, nil
}

// SignedPrivateTransaction is one validator's co-signature over the keccak
// hash of a private transaction's post-execution state. PrivateHash ties it
// back to the PrivateTransaction it was computed for.
type SignedPrivateTransaction struct {
	PrivateHash common.Hash
	Signature   []byte
}

// NewSignedPrivateTransaction constructs a SignedPrivateTransaction.
func NewSignedPrivateTransaction(privateHash common.Hash, signature []byte) *SignedPrivateTransaction {
	return &SignedPrivateTransaction{PrivateHash: privateHash, Signature: signature}
}

// Encode RLP-encodes the signed transaction for broadcast.
func (s *SignedPrivateTransaction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeSignedPrivateTransaction decodes a broadcast SignedPrivateTransaction.
func DecodeSignedPrivateTransaction(data []byte) (*SignedPrivateTransaction, error) {
	s := new(SignedPrivateTransaction)
	if err := rlp.DecodeBytes(data, s); err != nil {
		return nil, fmt.Errorf("wire: decode SignedPrivateTransaction: %w", err)
	}
	return s, nil
}
