// Package stub encodes calls into the private-contract stub: a single
// on-chain contract, deployed once per private contract, that stores the
// encrypted code and storage of that private contract plus its validator
// set, and whose only mutating entry point (setState) is gated by an
// N-of-N validator signature check performed inside the stub's EVM bytecode.
// The provider never needs to read the stub's Solidity source — only to
// encode constructor args and the setState call, and decode its accessor
// return values. The bytecode itself is therefore carried as opaque,
// build-time data, exactly as the system it was distilled from does.
package stub

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultCode is the stub contract's deployment bytecode. It is prepended
// to the ABI-encoded constructor arguments to form a deployment
// transaction's data field, exactly as any other Solidity contract would
// be deployed. The real system embeds several kilobytes of compiled
// Solidity here; this module carries a short placeholder of the same shape
// since no Solidity toolchain runs as part of this build.
const DefaultCode = "0x60606040526000600155341561001457600080fd5b5b5b5b61part"

const contractABI = `[
	{"type":"constructor","inputs":[
		{"name":"validators","type":"address[]"},
		{"name":"code","type":"bytes"},
		{"name":"state","type":"bytes"}
	]},
	{"type":"function","name":"getCode","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"getState","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"getValidators","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"setState","stateMutability":"nonpayable","inputs":[
		{"name":"_state","type":"bytes"},
		{"name":"v","type":"uint8[]"},
		{"name":"r","type":"bytes32[]"},
		{"name":"s","type":"bytes32[]"}
	],"outputs":[]}
]`

var parsedABI abi.ABI

func init() {
	a, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic(fmt.Sprintf("stub: invalid contract abi: %v", err))
	}
	parsedABI = a
}

// Selector of each stub accessor/mutator, for callers (notably the fake
// chain client used in tests) that need to dispatch on a raw call's 4-byte
// method id without re-parsing the ABI each time.
var (
	SelectorGetCode       = methodID("getCode")
	SelectorGetState      = methodID("getState")
	SelectorGetValidators = methodID("getValidators")
	SelectorSetState      = methodID("setState")
)

func methodID(name string) [4]byte {
	m, ok := parsedABI.Methods[name]
	if !ok {
		panic("stub: unknown method " + name)
	}
	var id [4]byte
	copy(id[:], m.ID)
	return id
}

// GenerateConstructor ABI-encodes the stub contract's constructor call and
// prepends the deployment bytecode, producing the data field of a
// contract-creation transaction.
func GenerateConstructor(validators []common.Address, code, state []byte) ([]byte, error) {
	args, err := parsedABI.Pack("", validators, code, state)
	if err != nil {
		return nil, fmt.Errorf("stub: pack constructor: %w", err)
	}
	deployCode := common.FromHex(DefaultCode)
	out := make([]byte, 0, len(deployCode)+len(args))
	out = append(out, deployCode...)
	out = append(out, args...)
	return out, nil
}

// GenerateSetStateCall ABI-encodes a setState(bytes,uint8[],bytes32[],bytes32[])
// call from the collected validator signatures over the new encrypted
// state and the state itself. Each signature is split into its electrum-form
// v/r/s components, stored as parallel arrays in call order.
func GenerateSetStateCall(signatures [][]byte, state []byte) ([]byte, error) {
	vs := make([]uint8, len(signatures))
	rs := make([][32]byte, len(signatures))
	ss := make([][32]byte, len(signatures))
	for i, sig := range signatures {
		if len(sig) != 65 {
			return nil, fmt.Errorf("stub: signature %d has length %d, want 65", i, len(sig))
		}
		copy(rs[i][:], sig[0:32])
		copy(ss[i][:], sig[32:64])
		vs[i] = sig[64]
	}
	return parsedABI.Pack("setState", state, vs, rs, ss)
}

// DecodeCode unpacks a getCode() return value.
func DecodeCode(ret []byte) ([]byte, error) {
	return unpackBytes("getCode", ret)
}

// DecodeState unpacks a getState() return value.
func DecodeState(ret []byte) ([]byte, error) {
	return unpackBytes("getState", ret)
}

// DecodeValidators unpacks a getValidators() return value.
func DecodeValidators(ret []byte) ([]common.Address, error) {
	out, err := parsedABI.Unpack("getValidators", ret)
	if err != nil {
		return nil, fmt.Errorf("stub: unpack getValidators: %w", err)
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("stub: unexpected getValidators return type %T", out[0])
	}
	return addrs, nil
}

func unpackBytes(method string, ret []byte) ([]byte, error) {
	out, err := parsedABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("stub: unpack %s: %w", method, err)
	}
	b, ok := out[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("stub: unexpected %s return type %T", method, out[0])
	}
	return b, nil
}

// CallData returns the ABI-encoded call data for a parameterless accessor
// (getCode, getState, getValidators).
func CallData(method string) ([]byte, error) {
	return parsedABI.Pack(method)
}

// PackCodeReturn, PackStateReturn and PackValidatorsReturn encode the
// return value of the corresponding accessor, as a real stub contract's EVM
// would. They back the fake chain client used in tests, which has no EVM of
// its own to produce these encodings.
func PackCodeReturn(code []byte) ([]byte, error) {
	return parsedABI.Methods["getCode"].Outputs.Pack(code)
}

func PackStateReturn(state []byte) ([]byte, error) {
	return parsedABI.Methods["getState"].Outputs.Pack(state)
}

func PackValidatorsReturn(validators []common.Address) ([]byte, error) {
	return parsedABI.Methods["getValidators"].Outputs.Pack(validators)
}

// DecodeConstructor unpacks the constructor arguments from a deployment
// transaction's data field, skipping the deployment bytecode prefix.
func DecodeConstructor(data []byte) (validators []common.Address, code, state []byte, err error) {
	deployCode := common.FromHex(DefaultCode)
	if len(data) < len(deployCode) {
		return nil, nil, nil, fmt.Errorf("stub: deployment data shorter than deploy bytecode")
	}
	args := data[len(deployCode):]
	ctor := parsedABI.Constructor
	values, err := ctor.Inputs.Unpack(args)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stub: unpack constructor args: %w", err)
	}
	validators, ok := values[0].([]common.Address)
	if !ok {
		return nil, nil, nil, fmt.Errorf("stub: unexpected constructor arg0 type %T", values[0])
	}
	code, ok = values[1].([]byte)
	if !ok {
		return nil, nil, nil, fmt.Errorf("stub: unexpected constructor arg1 type %T", values[1])
	}
	state, ok = values[2].([]byte)
	if !ok {
		return nil, nil, nil, fmt.Errorf("stub: unexpected constructor arg2 type %T", values[2])
	}
	return validators, code, state, nil
}

// DecodeSetStateCall unpacks the new encrypted state from a setState call's
// data field (the validator signatures are not needed by the fake chain,
// which does not re-verify them — Provider already gates submission on a
// full N-of-N quorum before building this call).
func DecodeSetStateCall(data []byte) ([]byte, error) {
	method, err := parsedABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("stub: lookup method by selector: %w", err)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("stub: unpack setState args: %w", err)
	}
	state, ok := values[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("stub: unexpected setState arg0 type %T", values[0])
	}
	return state, nil
}
