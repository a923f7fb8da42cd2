package stub

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestConstructorRoundTrip(t *testing.T) {
	validators := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111a"),
		common.HexToAddress("0x2222222222222222222222222222222222222b"),
	}
	code := []byte{0x60, 0x60}
	state := []byte("initial state")

	data, err := GenerateConstructor(validators, code, state)
	if err != nil {
		t.Fatalf("generate constructor: %v", err)
	}

	gotValidators, gotCode, gotState, err := DecodeConstructor(data)
	if err != nil {
		t.Fatalf("decode constructor: %v", err)
	}
	if len(gotValidators) != len(validators) || gotValidators[0] != validators[0] || gotValidators[1] != validators[1] {
		t.Fatalf("validators mismatch: got %v, want %v", gotValidators, validators)
	}
	if !bytes.Equal(gotCode, code) {
		t.Fatalf("code mismatch: got %x, want %x", gotCode, code)
	}
	if !bytes.Equal(gotState, state) {
		t.Fatalf("state mismatch: got %q, want %q", gotState, state)
	}
}

func TestSetStateCallRoundTrip(t *testing.T) {
	state := []byte("new encrypted state")
	sig1 := make([]byte, 65)
	sig2 := make([]byte, 65)
	for i := range sig1 {
		sig1[i] = byte(i)
		sig2[i] = byte(64 - i)
	}
	sig1[64] = 27
	sig2[64] = 28

	data, err := GenerateSetStateCall([][]byte{sig1, sig2}, state)
	if err != nil {
		t.Fatalf("generate setState call: %v", err)
	}

	gotState, err := DecodeSetStateCall(data)
	if err != nil {
		t.Fatalf("decode setState call: %v", err)
	}
	if !bytes.Equal(gotState, state) {
		t.Fatalf("state mismatch: got %q, want %q", gotState, state)
	}
}

func TestGenerateSetStateCallRejectsShortSignature(t *testing.T) {
	_, err := GenerateSetStateCall([][]byte{{0x01, 0x02}}, []byte("state"))
	if err == nil {
		t.Fatal("expected error for undersized signature, got nil")
	}
}

func TestAccessorReturnRoundTrip(t *testing.T) {
	code := []byte("contract code")
	ret, err := PackCodeReturn(code)
	if err != nil {
		t.Fatalf("pack code return: %v", err)
	}
	got, err := DecodeCode(ret)
	if err != nil {
		t.Fatalf("decode code: %v", err)
	}
	if !bytes.Equal(got, code) {
		t.Fatalf("code mismatch: got %x, want %x", got, code)
	}

	state := []byte("contract state")
	stateRet, err := PackStateReturn(state)
	if err != nil {
		t.Fatalf("pack state return: %v", err)
	}
	gotState, err := DecodeState(stateRet)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !bytes.Equal(gotState, state) {
		t.Fatalf("state mismatch: got %x, want %x", gotState, state)
	}

	validators := []common.Address{common.HexToAddress("0x4444444444444444444444444444444444444d")}
	validatorsRet, err := PackValidatorsReturn(validators)
	if err != nil {
		t.Fatalf("pack validators return: %v", err)
	}
	gotValidators, err := DecodeValidators(validatorsRet)
	if err != nil {
		t.Fatalf("decode validators: %v", err)
	}
	if len(gotValidators) != 1 || gotValidators[0] != validators[0] {
		t.Fatalf("validators mismatch: got %v, want %v", gotValidators, validators)
	}
}

func TestCallDataSelectors(t *testing.T) {
	data, err := CallData("getCode")
	if err != nil {
		t.Fatalf("call data: %v", err)
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	if selector != SelectorGetCode {
		t.Fatalf("selector mismatch: got %x, want %x", selector, SelectorGetCode)
	}
}
