// Package statecodec serializes private-contract storage into the flat
// byte layout that travels encrypted over the wire, and derives the AES
// initialization vectors used to encrypt both the inner transaction and
// the account's code/storage snapshot.
package statecodec

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// slotSize is the width of one serialized storage slot: a 32-byte key
// followed by a 32-byte value.
const slotSize = 64

// EncodeStorage flattens a storage map into the 64-byte-per-slot layout.
// Slots are emitted in ascending key order so two validators executing the
// same transaction against the same pre-state always produce byte-identical
// output, regardless of the map iteration order their runtime happens to
// use.
func EncodeStorage(storage map[common.Hash]common.Hash) []byte {
	keys := make([]common.Hash, 0, len(storage))
	for k := range storage {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Big().Cmp(keys[j].Big()) < 0
	})

	out := make([]byte, 0, len(keys)*slotSize)
	for _, k := range keys {
		out = append(out, k.Bytes()...)
		out = append(out, storage[k].Bytes()...)
	}
	return out
}

// DecodeStorage splits a flat byte snapshot back into a storage map. raw
// must be a multiple of 64 bytes.
func DecodeStorage(raw []byte) (map[common.Hash]common.Hash, error) {
	if len(raw)%slotSize != 0 {
		return nil, fmt.Errorf("statecodec: storage snapshot length %d is not a multiple of %d", len(raw), slotSize)
	}
	storage := make(map[common.Hash]common.Hash, len(raw)/slotSize)
	for off := 0; off < len(raw); off += slotSize {
		var key, value common.Hash
		key.SetBytes(raw[off : off+32])
		value.SetBytes(raw[off+32 : off+64])
		storage[key] = value
	}
	return storage, nil
}

// IVFromTransaction derives the AES-CTR initialization vector used to
// encrypt a private transaction's inner signed transaction: the first 16
// bytes of keccak256(rlp(nonce)).
func IVFromTransaction(tx *types.Transaction) ([16]byte, error) {
	enc, err := rlp.EncodeToBytes(tx.Nonce())
	if err != nil {
		return [16]byte{}, fmt.Errorf("statecodec: rlp encode nonce: %w", err)
	}
	return iv(enc), nil
}

// IVFromAddress derives the AES-CTR initialization vector used to encrypt
// an account's re-executed code: the first 16 bytes of keccak256(rlp(addr)).
func IVFromAddress(addr common.Address) ([16]byte, error) {
	enc, err := rlp.EncodeToBytes(addr)
	if err != nil {
		return [16]byte{}, fmt.Errorf("statecodec: rlp encode address: %w", err)
	}
	return iv(enc), nil
}

func iv(rlpBytes []byte) [16]byte {
	h := crypto.Keccak256(rlpBytes)
	var out [16]byte
	copy(out[:], h[:16])
	return out
}
