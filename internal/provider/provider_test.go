package provider

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/executor"
	"github.com/privatetx/provider/internal/keybroker"
	"github.com/privatetx/provider/internal/wire"
)

// spyBroadcaster records every broadcast instead of delivering it anywhere;
// tests forward the captured bytes to other Providers by hand, which keeps
// the multi-party flow deterministic and avoids the real P2P fabric (out of
// scope per spec.md §1) entirely.
type spyBroadcaster struct {
	privateTxs [][]byte
	signedTxs  [][]byte
}

func (s *spyBroadcaster) BroadcastPrivateTransaction(data []byte) error {
	s.privateTxs = append(s.privateTxs, append([]byte(nil), data...))
	return nil
}

func (s *spyBroadcaster) BroadcastSignedPrivateTransaction(data []byte) error {
	s.signedTxs = append(s.signedTxs, append([]byte(nil), data...))
	return nil
}

func (s *spyBroadcaster) lastPrivateTx() []byte { return s.privateTxs[len(s.privateTxs)-1] }
func (s *spyBroadcaster) lastSignedTx() []byte  { return s.signedTxs[len(s.signedTxs)-1] }

// harness wires one originator and two validators against a single shared
// FakeChain, the way independent node processes share the same public
// chain state. FakeAccountProvider is shared across all of them purely for
// test convenience (each party only ever unlocks or decrypts with its own
// address); it does not model key isolation between nodes.
type harness struct {
	t *testing.T

	signer types.Signer
	fc     *chain.FakeChain
	ap     *chain.FakeAccountProvider

	originatorPriv *ecdsa.PrivateKey
	originatorAddr common.Address
	validator3Priv *ecdsa.PrivateKey
	validator3Addr common.Address
	validator4Priv *ecdsa.PrivateKey
	validator4Addr common.Address

	originator    *Provider
	originatorSpy *spyBroadcaster
	validator3    *Provider
	validator3Spy *spyBroadcaster
	validator4    *Provider
	validator4Spy *spyBroadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	signer := types.HomesteadSigner{}
	fc := chain.NewFakeChain(signer)
	ap := chain.NewFakeAccountProvider()
	exec := executor.New(fc, chain.NewFakeVM(), keybroker.DummyEncryptor{})

	key1, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key3, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key3: %v", err)
	}
	key4, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key4: %v", err)
	}

	addr1 := ap.AddAccount(key1, "pw1")
	addr3 := ap.AddAccount(key3, "pw3")
	addr4 := ap.AddAccount(key4, "pw4")

	originatorSpy := &spyBroadcaster{}
	validator3Spy := &spyBroadcaster{}
	validator4Spy := &spyBroadcaster{}

	originator := New(Config{Signer: &addr1, Passwords: []string{"pw1"}}, fc, fc, ap, exec, keybroker.DummyEncryptor{}, originatorSpy, signer, 64)
	validator3 := New(Config{Validators: []common.Address{addr3}, Passwords: []string{"pw3"}}, fc, fc, ap, exec, keybroker.DummyEncryptor{}, validator3Spy, signer, 64)
	validator4 := New(Config{Validators: []common.Address{addr4}, Passwords: []string{"pw4"}}, fc, fc, ap, exec, keybroker.DummyEncryptor{}, validator4Spy, signer, 64)

	return &harness{
		t:              t,
		signer:         signer,
		fc:             fc,
		ap:             ap,
		originatorPriv: key1,
		originatorAddr: addr1,
		validator3Priv: key3,
		validator3Addr: addr3,
		validator4Priv: key4,
		validator4Addr: addr4,
		originator:     originator,
		originatorSpy:  originatorSpy,
		validator3:     validator3,
		validator3Spy:  validator3Spy,
		validator4:     validator4,
		validator4Spy:  validator4Spy,
	}
}

func methodSelector(sig string) [4]byte {
	h := crypto.Keccak256([]byte(sig))
	var out [4]byte
	copy(out[:], h[:4])
	return out
}

func setXData(val byte) []byte {
	sel := methodSelector("setX(bytes32)")
	data := make([]byte, 0, 36)
	data = append(data, sel[:]...)
	word := make([]byte, 32)
	word[31] = val
	return append(data, word...)
}

func getXData() []byte {
	sel := methodSelector("getX()")
	return sel[:]
}

// deployContract runs the public_creation_transaction path end to end: dry
// run the create, build the unsigned deployment transaction, sign it with
// the originator's own key (standing in for an external wallet — the
// originator always holds an already-signed inner transaction before
// calling into this module, per spec.md §4.6), and mine it.
func (h *harness) deployContract(ctx context.Context, validators []common.Address) common.Address {
	h.t.Helper()

	createTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(0),
		Gas:      3_000_000,
		To:       nil,
		Value:    new(big.Int),
		Data:     nil,
	})
	if err != nil {
		h.t.Fatalf("sign create tx: %v", err)
	}

	unsigned, err := h.originator.PublicCreationTransaction(ctx, chain.Latest, createTx, validators, big.NewInt(0))
	if err != nil {
		h.t.Fatalf("PublicCreationTransaction: %v", err)
	}

	signedDeploy, err := types.SignTx(unsigned, h.signer, h.originatorPriv)
	if err != nil {
		h.t.Fatalf("sign deploy tx: %v", err)
	}

	if err := h.fc.ImportOwnTransaction(ctx, signedDeploy); err != nil {
		h.t.Fatalf("import deploy tx: %v", err)
	}
	h.fc.AdvanceBlock()

	return crypto.CreateAddress(h.originatorAddr, createTx.Nonce())
}

// S1: deploy and modify a private contract under 2-of-2 validator quorum.
func TestEndToEndDeployAndUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	validators := []common.Address{h.validator3Addr, h.validator4Addr}

	contract := h.deployContract(ctx, validators)

	setXTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce:    1,
		GasPrice: big.NewInt(0),
		Gas:      1_000_000,
		To:       &contract,
		Value:    new(big.Int),
		Data:     setXData(0x2a),
	})
	if err != nil {
		t.Fatalf("sign setX tx: %v", err)
	}

	if _, err := h.originator.CreatePrivateTransaction(ctx, setXTx); err != nil {
		t.Fatalf("CreatePrivateTransaction: %v", err)
	}
	privateTxBytes := h.originatorSpy.lastPrivateTx()

	if err := h.validator3.ImportPrivateTransaction(ctx, privateTxBytes); err != nil {
		t.Fatalf("validator3 ImportPrivateTransaction: %v", err)
	}
	if err := h.validator4.ImportPrivateTransaction(ctx, privateTxBytes); err != nil {
		t.Fatalf("validator4 ImportPrivateTransaction: %v", err)
	}

	h.validator3.ProcessQueue(ctx)
	h.validator4.ProcessQueue(ctx)

	if len(h.validator3Spy.signedTxs) != 1 {
		t.Fatalf("expected validator3 to broadcast one signature, got %d", len(h.validator3Spy.signedTxs))
	}
	if len(h.validator4Spy.signedTxs) != 1 {
		t.Fatalf("expected validator4 to broadcast one signature, got %d", len(h.validator4Spy.signedTxs))
	}

	// First signature: quorum is 1-of-2, no public transaction yet.
	if err := h.originator.ImportSignedPrivateTransaction(ctx, h.validator4Spy.lastSignedTx()); err != nil {
		t.Fatalf("import first signature: %v", err)
	}
	if len(h.fc.Mined()) != 1 { // only the deployment so far
		t.Fatalf("expected no public setState yet, mined=%d", len(h.fc.Mined()))
	}

	// Second signature completes N-of-N quorum.
	if err := h.originator.ImportSignedPrivateTransaction(ctx, h.validator3Spy.lastSignedTx()); err != nil {
		t.Fatalf("import second signature: %v", err)
	}
	if len(h.fc.Mined()) != 2 {
		t.Fatalf("expected public setState to be mined, mined=%d", len(h.fc.Mined()))
	}

	h.fc.AdvanceBlock()

	getTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce:    2,
		GasPrice: big.NewInt(0),
		Gas:      1_000_000,
		To:       &contract,
		Value:    new(big.Int),
		Data:     getXData(),
	})
	if err != nil {
		t.Fatalf("sign getX tx: %v", err)
	}

	result, err := h.originator.PrivateCall(ctx, chain.Latest, getTx)
	if err != nil {
		t.Fatalf("PrivateCall: %v", err)
	}
	want := make([]byte, 32)
	want[31] = 0x2a
	if !bytes.Equal(result.Output, want) {
		t.Fatalf("getX output = %x, want %x", result.Output, want)
	}
}

// S2: with only one of two required signatures, no public transaction is
// produced and the previously committed state is unchanged.
func TestInsufficientQuorumRejection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	validators := []common.Address{h.validator3Addr, h.validator4Addr}
	contract := h.deployContract(ctx, validators)

	setXTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(0), Gas: 1_000_000, To: &contract, Value: new(big.Int), Data: setXData(0x2b),
	})
	if err != nil {
		t.Fatalf("sign setX tx: %v", err)
	}

	if _, err := h.originator.CreatePrivateTransaction(ctx, setXTx); err != nil {
		t.Fatalf("CreatePrivateTransaction: %v", err)
	}
	data := h.originatorSpy.lastPrivateTx()

	if err := h.validator4.ImportPrivateTransaction(ctx, data); err != nil {
		t.Fatalf("ImportPrivateTransaction: %v", err)
	}
	h.validator4.ProcessQueue(ctx)

	if err := h.originator.ImportSignedPrivateTransaction(ctx, h.validator4Spy.lastSignedTx()); err != nil {
		t.Fatalf("import signature: %v", err)
	}

	if len(h.fc.Mined()) != 1 { // only the deployment
		t.Fatalf("expected no public transaction with partial quorum, mined=%d", len(h.fc.Mined()))
	}
}

// S3: a process configured with no local validator accounts rebroadcasts
// an inbound private transaction verbatim and adds nothing to its stores.
func TestNonValidatorRelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	validators := []common.Address{h.validator3Addr, h.validator4Addr}
	contract := h.deployContract(ctx, validators)

	setXTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(0), Gas: 1_000_000, To: &contract, Value: new(big.Int), Data: setXData(0x01),
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if _, err := h.originator.CreatePrivateTransaction(ctx, setXTx); err != nil {
		t.Fatalf("CreatePrivateTransaction: %v", err)
	}
	data := h.originatorSpy.lastPrivateTx()

	relaySpy := &spyBroadcaster{}
	exec := executor.New(h.fc, chain.NewFakeVM(), keybroker.DummyEncryptor{})
	relay := New(Config{}, h.fc, h.fc, h.ap, exec, keybroker.DummyEncryptor{}, relaySpy, h.signer, 64)

	if err := relay.ImportPrivateTransaction(ctx, data); err != nil {
		t.Fatalf("relay ImportPrivateTransaction: %v", err)
	}

	if len(relaySpy.privateTxs) != 1 || !bytes.Equal(relaySpy.lastPrivateTx(), data) {
		t.Fatalf("expected relay to rebroadcast the exact bytes")
	}
}

// S4: a signature recovering to an address outside the contract's
// validator set is rejected with StateIncorrect and the descriptor is
// left untouched.
func TestForgedSignatureRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	validators := []common.Address{h.validator3Addr, h.validator4Addr}
	contract := h.deployContract(ctx, validators)

	setXTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(0), Gas: 1_000_000, To: &contract, Value: new(big.Int), Data: setXData(0x07),
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if _, err := h.originator.CreatePrivateTransaction(ctx, setXTx); err != nil {
		t.Fatalf("CreatePrivateTransaction: %v", err)
	}

	privTx, err := wire.DecodePrivateTransaction(h.originatorSpy.lastPrivateTx())
	if err != nil {
		t.Fatalf("decode private transaction: %v", err)
	}
	privateHash := privTx.Hash()

	desc, ok := h.originator.signingStore.Get(privateHash)
	if !ok {
		t.Fatalf("expected signing descriptor to exist")
	}

	// A non-validator key signs the real state hash correctly; the forgery
	// is in who signed, not in the hash itself.
	forger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate forger key: %v", err)
	}
	stateHash := crypto.Keccak256Hash(desc.State)
	sig, err := crypto.Sign(stateHash[:], forger)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27

	forged, err := wire.NewSignedPrivateTransaction(privateHash, sig).Encode()
	if err != nil {
		t.Fatalf("encode forged signed transaction: %v", err)
	}
	if err := h.originator.ImportSignedPrivateTransaction(ctx, forged); err == nil {
		t.Fatalf("expected StateIncorrect for forged signature")
	}

	if got, ok := h.originator.signingStore.Get(desc.PrivateHash); !ok || len(got.ReceivedSignatures) != 0 {
		t.Fatalf("expected descriptor unchanged after forged signature, got %+v", got)
	}
}

// S5: Create supplied where a Call is required is rejected before any
// broadcast happens.
func TestCreatePathRejectedByCallAPI(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	createTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(0), Gas: 1_000_000, To: nil, Value: new(big.Int), Data: nil,
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	if _, err := h.originator.CreatePrivateTransaction(ctx, createTx); err != chain.ErrBadTransactionType {
		t.Fatalf("expected ErrBadTransactionType, got %v", err)
	}
	if len(h.originatorSpy.privateTxs) != 0 {
		t.Fatalf("expected no broadcast on rejection")
	}
}

// TestSignerAccountNotSetRejected checks the originator precondition
// independent from the action-type check.
func TestSignerAccountNotSetRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	validators := []common.Address{h.validator3Addr, h.validator4Addr}
	contract := h.deployContract(ctx, validators)

	relaySpy := &spyBroadcaster{}
	exec := executor.New(h.fc, chain.NewFakeVM(), keybroker.DummyEncryptor{})
	noSigner := New(Config{}, h.fc, h.fc, h.ap, exec, keybroker.DummyEncryptor{}, relaySpy, h.signer, 64)

	setXTx, err := types.SignNewTx(h.originatorPriv, h.signer, &types.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(0), Gas: 1_000_000, To: &contract, Value: new(big.Int), Data: setXData(0x09),
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	if _, err := noSigner.CreatePrivateTransaction(ctx, setXTx); err != chain.ErrSignerAccountNotSet {
		t.Fatalf("expected ErrSignerAccountNotSet, got %v", err)
	}
}
