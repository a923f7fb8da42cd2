// Package provider implements the orchestrator that ties the encryption,
// execution, and two-phase signing pieces together behind the three calls
// an RPC layer actually exposes: create_private_transaction (originator),
// import_private_transaction and import_signed_private_transaction
// (validator/relay), plus the private_call read path and the new-block
// intake that drives process_queue. Everything else in this module is a
// component Provider composes; nothing outside this package knows about
// SigningStore, VerificationStore, or PrivateExecutor directly.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/config"
	"github.com/privatetx/provider/internal/executor"
	"github.com/privatetx/provider/internal/keybroker"
	"github.com/privatetx/provider/internal/signing"
	"github.com/privatetx/provider/internal/statecodec"
	"github.com/privatetx/provider/internal/stub"
	"github.com/privatetx/provider/internal/verification"
	"github.com/privatetx/provider/internal/wire"
)

// Config is the parsed, address-typed form of config.ProviderConfig — the
// process-wide identity the orchestrator needs to decide whether it is
// acting as a validator for a given contract, a relay, and/or the
// originator that ultimately signs the public transaction.
type Config struct {
	// Validators are the local addresses this process signs for. Empty
	// means every import_private_transaction call is a pure relay.
	Validators []common.Address
	// Signer pays for and signs the public setState/deployment
	// transaction. nil on a validator-only process.
	Signer *common.Address
	// Passwords are tried, in order, to unlock Validators and Signer.
	Passwords []string
}

// ParseConfig converts the loaded, string-typed config.ProviderConfig into
// the address-typed Config the orchestrator operates on, failing fast on
// any malformed address rather than discovering it mid-operation.
func ParseConfig(cfg config.ProviderConfig) (Config, error) {
	validators := make([]common.Address, 0, len(cfg.ValidatorAccounts))
	for _, raw := range cfg.ValidatorAccounts {
		if !common.IsHexAddress(raw) {
			return Config{}, fmt.Errorf("provider: invalid validator address %q", raw)
		}
		validators = append(validators, common.HexToAddress(raw))
	}

	var signer *common.Address
	if cfg.SignerAccount != "" {
		if !common.IsHexAddress(cfg.SignerAccount) {
			return Config{}, fmt.Errorf("provider: invalid signer account %q", cfg.SignerAccount)
		}
		addr := common.HexToAddress(cfg.SignerAccount)
		signer = &addr
	}

	return Config{
		Validators: validators,
		Signer:     signer,
		Passwords:  append([]string(nil), cfg.Passwords...),
	}, nil
}

// Broadcaster stands in for the peer-to-peer broadcast fabric: the only
// thing the orchestrator needs from it is fire-and-forget delivery of the
// two wire message types to every other node running this module.
type Broadcaster interface {
	BroadcastPrivateTransaction(data []byte) error
	BroadcastSignedPrivateTransaction(data []byte) error
}

// Receipt answers create_private_transaction the way a public transaction
// submission would, minus the fields that don't exist yet for a private
// transaction still awaiting validator signatures.
type Receipt struct {
	Hash            common.Hash
	ContractAddress *common.Address
	StatusCode      int
}

// Provider is the free-threaded orchestrator: every exported method may be
// called concurrently from the network thread, the chain-notification
// thread, the queue worker, and RPC handlers alike, since all shared state
// lives in the mutex-guarded stores it composes.
type Provider struct {
	cfg Config

	chainClient chain.ChainClient
	miner       chain.Miner
	accounts    chain.AccountProvider
	executor    *executor.PrivateExecutor
	encryptor   keybroker.Encryptor
	broadcaster Broadcaster
	txSigner    types.Signer

	signingStore      *signing.Store
	verificationStore *verification.Store
	accountDetails    verification.AccountDetailsProvider
}

// New wires a Provider from its collaborators. staleAfterBlocks bounds how
// long a queued-but-not-ready verification entry survives before a call to
// Reap discards it; Provider starts no background reaper of its own.
func New(
	cfg Config,
	client chain.ChainClient,
	miner chain.Miner,
	accounts chain.AccountProvider,
	exec *executor.PrivateExecutor,
	encryptor keybroker.Encryptor,
	broadcaster Broadcaster,
	txSigner types.Signer,
	staleAfterBlocks uint64,
) *Provider {
	return &Provider{
		cfg:               cfg,
		chainClient:       client,
		miner:             miner,
		accounts:          accounts,
		executor:          exec,
		encryptor:         encryptor,
		broadcaster:       broadcaster,
		txSigner:          txSigner,
		signingStore:      signing.New(),
		verificationStore: verification.New(func() uint64 { return client.ChainInfo().BestBlockNumber }, staleAfterBlocks),
		accountDetails:    chainAccountDetails{client: client},
	}
}

// CreatePrivateTransaction is the originator path (spec §4.6
// create_private_transaction): encrypt the signed call under its target
// contract's session key, dry-run it to capture the state validators will
// be asked to co-sign, record the pending descriptor, and broadcast the
// encrypted payload. A failed dry-run or encryption surfaces the error and
// never broadcasts anything.
func (p *Provider) CreatePrivateTransaction(ctx context.Context, signedTx *types.Transaction) (*Receipt, error) {
	if p.cfg.Signer == nil {
		return nil, chain.ErrSignerAccountNotSet
	}
	if signedTx.To() == nil {
		return nil, chain.ErrBadTransactionType
	}
	contract := *signedTx.To()

	sender, err := types.Sender(p.txSigner, signedTx)
	if err != nil {
		return nil, fmt.Errorf("provider: recover sender: %w", err)
	}

	rawTx, err := rlp.EncodeToBytes(signedTx)
	if err != nil {
		return nil, fmt.Errorf("provider: rlp encode transaction: %w", err)
	}

	ivTx, err := statecodec.IVFromTransaction(signedTx)
	if err != nil {
		return nil, err
	}

	encrypted, err := p.encryptor.Encrypt(ctx, contract, sender, ivTx, rawTx)
	if err != nil {
		return nil, err
	}

	privateTx := &wire.PrivateTransaction{Contract: contract, Encrypted: encrypted}
	privateHash := privateTx.Hash()

	state, err := p.executor.ExecutePrivateTransaction(ctx, signedTx, sender, chain.Latest)
	if err != nil {
		return nil, err
	}

	validators, err := p.executor.GetValidators(ctx, chain.Latest, contract)
	if err != nil {
		return nil, err
	}

	p.signingStore.Add(privateHash, signedTx, validators, state)

	if data, err := privateTx.Encode(); err != nil {
		log.Printf("provider: encode private transaction for broadcast: %v", err)
	} else if err := p.broadcaster.BroadcastPrivateTransaction(data); err != nil {
		log.Printf("provider: broadcast private transaction: %v", err)
	}

	return &Receipt{Hash: signedTx.Hash(), StatusCode: 0}, nil
}

// PublicCreationTransaction is the originator's contract-deployment path
// (spec §4.6 public_creation_transaction): run the create virtually to
// obtain the encrypted code and initial storage, then return an unsigned
// public transaction deploying the stub contract with those as constructor
// arguments. The caller signs and submits it like any other transaction.
func (p *Provider) PublicCreationTransaction(ctx context.Context, block chain.BlockID, signedCreateTx *types.Transaction, validators []common.Address, gasPrice *big.Int) (*types.Transaction, error) {
	if signedCreateTx.To() != nil {
		return nil, chain.ErrBadTransactionType
	}

	sender, err := types.Sender(p.txSigner, signedCreateTx)
	if err != nil {
		return nil, fmt.Errorf("provider: recover sender: %w", err)
	}

	result, err := p.executor.ExecutePrivate(ctx, signedCreateTx, sender, block)
	if err != nil {
		return nil, err
	}

	data, err := stub.GenerateConstructor(validators, result.Code, result.State)
	if err != nil {
		return nil, fmt.Errorf("provider: encode stub constructor: %w", err)
	}

	gas := uint64(650_000) +
		uint64(30_000)*uint64(len(validators)) +
		uint64(8_000)*uint64(len(result.Code)) +
		uint64(8_000)*uint64(len(result.State))

	return types.NewTx(&types.LegacyTx{
		Nonce:    signedCreateTx.Nonce(),
		GasPrice: gasPrice,
		Gas:      gas,
		To:       nil,
		Value:    new(big.Int),
		Data:     data,
	}), nil
}

// ImportPrivateTransaction is the validator/relay path (spec §4.6
// import_private_transaction). A process with no configured validator
// accounts, or one whose accounts don't intersect the contract's validator
// set, rebroadcasts the bytes verbatim and touches nothing else.
func (p *Provider) ImportPrivateTransaction(ctx context.Context, raw []byte) error {
	if len(p.cfg.Validators) == 0 {
		return p.rebroadcastPrivate(raw)
	}

	pt, err := wire.DecodePrivateTransaction(raw)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	contractValidators, err := p.executor.GetValidators(ctx, chain.Latest, pt.Contract)
	if err != nil {
		return err
	}

	local, ok := firstIntersection(p.cfg.Validators, contractValidators)
	if !ok {
		return p.rebroadcastPrivate(raw)
	}

	decrypted, err := p.encryptor.Decrypt(ctx, pt.Contract, local, pt.Encrypted)
	if err != nil {
		return err
	}

	inner := new(types.Transaction)
	if err := rlp.DecodeBytes(decrypted, inner); err != nil {
		return fmt.Errorf("%w: decode inner transaction: %v", chain.ErrRlpDecode, err)
	}

	sender, err := types.Sender(p.txSigner, inner)
	if err != nil {
		return fmt.Errorf("provider: recover inner sender: %w", err)
	}

	privateHash := pt.Hash()
	insertionBlock := p.chainClient.ChainInfo().BestBlockNumber

	if err := p.verificationStore.AddTransaction(ctx, inner, sender, pt.Contract, local, privateHash, p.accountDetails, insertionBlock); err != nil {
		return err
	}

	if err := p.chainClient.NotifyTransactionQueued(inner.Hash()); err != nil {
		return fmt.Errorf("%w: %v", chain.ErrClientIsMalformed, err)
	}
	return nil
}

func (p *Provider) rebroadcastPrivate(raw []byte) error {
	if err := p.broadcaster.BroadcastPrivateTransaction(raw); err != nil {
		log.Printf("provider: rebroadcast private transaction: %v", err)
	}
	return nil
}

// ProcessQueue re-executes every ready (on-chain-nonce-matching) verification
// descriptor, signs the resulting state hash, and broadcasts the
// signature. It is safe to call concurrently: ReadyTransactions snapshots
// the queue under the store's lock, and RemovePrivateTransaction ensures a
// descriptor is acted on at most once even if two calls race to process the
// same ready set.
func (p *Provider) ProcessQueue(ctx context.Context) {
	ready, err := p.verificationStore.ReadyTransactions(ctx, p.accountDetails)
	if err != nil {
		log.Printf("provider: compute ready transactions: %v", err)
		return
	}
	for _, desc := range ready {
		if !addressIn(desc.ValidatorAccount, p.cfg.Validators) {
			continue
		}
		p.processOne(ctx, desc)
	}
}

func (p *Provider) processOne(ctx context.Context, desc *verification.Desc) {
	encState, err := p.executor.ExecutePrivateTransaction(ctx, desc.OriginalTransaction, desc.Sender, chain.Latest)
	if err != nil {
		log.Printf("provider: re-execute private transaction %s: %v", desc.OriginalTransaction.Hash(), err)
		return
	}
	stateHash := crypto.Keccak256Hash(encState)

	if err := unlockWithPasswords(ctx, p.accounts, desc.ValidatorAccount, p.cfg.Passwords); err != nil {
		// Left in VerificationStore for retry on the next ProcessQueue
		// call rather than dropped — see DESIGN.md's resolution of the
		// spec's open question on this exact behavior.
		log.Printf("provider: unlock validator %s: %v (will retry)", desc.ValidatorAccount, err)
		return
	}

	sig, err := p.accounts.Sign(ctx, desc.ValidatorAccount, stateHash)
	if err != nil {
		log.Printf("provider: sign state hash for %s: %v", desc.OriginalTransaction.Hash(), err)
		return
	}

	signed := wire.NewSignedPrivateTransaction(desc.PrivateHash, sig)
	data, err := signed.Encode()
	if err != nil {
		log.Printf("provider: encode signed private transaction: %v", err)
		return
	}
	if err := p.broadcaster.BroadcastSignedPrivateTransaction(data); err != nil {
		log.Printf("provider: broadcast signed private transaction: %v", err)
	}

	p.verificationStore.RemovePrivateTransaction(desc.OriginalTransaction.Hash())
}

// ImportSignedPrivateTransaction is the originator-side signature
// aggregation path (spec §4.6 import_signed_private_transaction). A hash
// unknown to the local SigningStore means this process is only a relay for
// it; a signature that completes an N-of-N quorum triggers construction
// and submission of the public setState transaction.
func (p *Provider) ImportSignedPrivateTransaction(ctx context.Context, raw []byte) error {
	spt, err := wire.DecodeSignedPrivateTransaction(raw)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	desc, ok := p.signingStore.Get(spt.PrivateHash)
	if !ok {
		if err := p.broadcaster.BroadcastSignedPrivateTransaction(raw); err != nil {
			log.Printf("provider: rebroadcast signed private transaction: %v", err)
		}
		return nil
	}

	stateHash := crypto.Keccak256Hash(desc.State)
	signerAddr, err := recoverAddress(spt.Signature, stateHash)
	if err != nil {
		return fmt.Errorf("provider: recover signature: %w", err)
	}

	updated, last, duplicate, err := p.signingStore.CheckAndAddSignature(spt.PrivateHash, spt.Signature, signerAddr)
	if errors.Is(err, signing.ErrNotFound) {
		// A concurrent finalizer already removed this descriptor; the
		// second arrival is a harmless no-op (spec §5/§9).
		return nil
	}
	if err != nil {
		return err
	}
	if duplicate || !last {
		return nil
	}

	return p.finalize(ctx, updated)
}

func (p *Provider) finalize(ctx context.Context, desc *signing.Desc) error {
	if p.cfg.Signer == nil {
		return chain.ErrSignerAccountNotSet
	}

	data, err := stub.GenerateSetStateCall(desc.ReceivedSignatures, desc.State)
	if err != nil {
		return fmt.Errorf("provider: encode setState call: %w", err)
	}

	gas := uint64(650_000) +
		uint64(8_000)*uint64(len(desc.State)) +
		uint64(50_000)*uint64(len(desc.ReceivedSignatures))

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    desc.OriginalTransaction.Nonce(),
		GasPrice: desc.OriginalTransaction.GasPrice(),
		Gas:      gas,
		To:       desc.OriginalTransaction.To(),
		Value:    new(big.Int),
		Data:     data,
	})

	if err := unlockWithPasswords(ctx, p.accounts, *p.cfg.Signer, p.cfg.Passwords); err != nil {
		return fmt.Errorf("provider: unlock signer account: %w", err)
	}

	hash := p.txSigner.Hash(tx)
	sig, err := p.accounts.Sign(ctx, *p.cfg.Signer, hash)
	if err != nil {
		return fmt.Errorf("provider: sign public transaction: %w", err)
	}

	signedTx, err := tx.WithSignature(p.txSigner, normalizeRecoveryID(sig))
	if err != nil {
		return fmt.Errorf("provider: attach signature: %w", err)
	}

	if err := p.miner.ImportOwnTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("provider: submit public transaction: %w", err)
	}

	p.signingStore.Remove(desc.PrivateHash)
	return nil
}

// PrivateCall is the read-only private-state query path (spec §4.6
// private_call): run the pipeline without broadcasting or mutating either
// store.
func (p *Provider) PrivateCall(ctx context.Context, block chain.BlockID, tx *types.Transaction) (*chain.ExecutionResult, error) {
	sender, err := types.Sender(p.txSigner, tx)
	if err != nil {
		return nil, fmt.Errorf("provider: recover sender: %w", err)
	}
	return p.executor.PrivateCall(ctx, tx, sender, block)
}

// NewBlocks implements chain.BlockImportListener: any newly imported block
// may have unblocked the next nonce for a queued sender, so re-run the
// queue. Errors are logged and swallowed per spec §4.6's chain-event
// intake policy — a bad block notification never stops the node.
func (p *Provider) NewBlocks(imported []common.Hash) {
	if len(imported) == 0 {
		return
	}
	p.ProcessQueue(context.Background())
}

// Reap discards verification entries that have sat unready for too long,
// delegating to the underlying store's staleness sweep (spec §5's deferred
// "higher-level reaper").
func (p *Provider) Reap() []common.Hash {
	return p.verificationStore.Reap()
}

type chainAccountDetails struct {
	client chain.ChainClient
}

func (a chainAccountDetails) AccountDetails(ctx context.Context, addr common.Address) (uint64, *big.Int, error) {
	nonce, err := a.client.AccountNonce(chain.Latest, addr)
	if err != nil {
		return 0, nil, err
	}
	balance, err := a.client.AccountBalance(chain.Latest, addr)
	if err != nil {
		return 0, nil, err
	}
	return nonce, balance, nil
}

func firstIntersection(local, remote []common.Address) (common.Address, bool) {
	present := make(map[common.Address]bool, len(remote))
	for _, a := range remote {
		present[a] = true
	}
	for _, a := range local {
		if present[a] {
			return a, true
		}
	}
	return common.Address{}, false
}

func addressIn(addr common.Address, set []common.Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}

func unlockWithPasswords(ctx context.Context, accounts chain.AccountProvider, account common.Address, passwords []string) error {
	if len(passwords) == 0 {
		return fmt.Errorf("provider: no passwords configured for %s", account)
	}
	var lastErr error
	for _, pw := range passwords {
		if err := accounts.UnlockTemporarily(ctx, account, pw); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// recoverAddress recovers the signer of a 65-byte v/r/s signature (v in its
// raw Ethereum 27/28 form, as stored on SigningDesc.ReceivedSignatures and
// passed directly into the stub's setState call) over hash.
func recoverAddress(sig []byte, hash common.Hash) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("provider: signature length %d, want 65", len(sig))
	}
	pub, err := crypto.SigToPub(hash[:], normalizeRecoveryID(sig))
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// normalizeRecoveryID converts a 27/28-form recovery id (the format every
// signature in this module is stored and transmitted in, matching the EVM
// ecrecover precompile's expectation) down to the 0/1 form go-ethereum's
// crypto.SigToPub and types.Signer.SignatureValues both operate on.
func normalizeRecoveryID(sig []byte) []byte {
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}
