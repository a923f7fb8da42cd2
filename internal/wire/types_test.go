package wire

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPrivateTransactionRoundTrip(t *testing.T) {
	pt := &PrivateTransaction{
		Encrypted: []byte{0xde, 0xad, 0xbe, 0xef},
		Contract:  common.HexToAddress("0x11111111111111111111111111111111111111"),
	}

	enc, err := pt.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodePrivateTransaction(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Encrypted, pt.Encrypted) {
		t.Fatalf("encrypted payload mismatch: got %x, want %x", decoded.Encrypted, pt.Encrypted)
	}
	if decoded.Contract != pt.Contract {
		t.Fatalf("contract mismatch: got %s, want %s", decoded.Contract, pt.Contract)
	}
}

func TestPrivateTransactionHashIsDeterministic(t *testing.T) {
	pt := &PrivateTransaction{
		Encrypted: []byte("same payload"),
		Contract:  common.HexToAddress("0x2222222222222222222222222222222222222a"),
	}
	other := &PrivateTransaction{
		Encrypted: []byte("same payload"),
		Contract:  common.HexToAddress("0x2222222222222222222222222222222222222a"),
	}

	if pt.Hash() != other.Hash() {
		t.Fatalf("identical transactions hashed differently: %s vs %s", pt.Hash(), other.Hash())
	}

	other.Contract = common.HexToAddress("0x3333333333333333333333333333333333333b")
	if pt.Hash() == other.Hash() {
		t.Fatalf("distinct contracts hashed to the same value")
	}
}

func TestSignedPrivateTransactionRoundTrip(t *testing.T) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i)
	}
	s := NewSignedPrivateTransaction(common.HexToHash("0xabc"), sig)

	enc, err := s.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeSignedPrivateTransaction(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.PrivateHash != s.PrivateHash {
		t.Fatalf("private hash mismatch: got %s, want %s", decoded.PrivateHash, s.PrivateHash)
	}
	if !bytes.Equal(decoded.Signature, sig) {
		t.Fatalf("signature mismatch: got %x, want %x", decoded.Signature, sig)
	}
}

func TestDecodePrivateTransactionRejectsGarbage(t *testing.T) {
	if _, err := DecodePrivateTransaction([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Fatal("expected decode error for malformed rlp, got nil")
	}
}
