// Command privatetx-provider runs the orchestrator behind a Unix-domain-
// socket HTTP API, the way cmd/signer runs the teacher's SessionManager
// behind a UDS gRPC API. The chain client, VM, and account backends it
// wires are the module's own demo/reference implementations — the real
// ones are external collaborators this module only states interfaces for
// (see internal/chain).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/privatetx/provider/internal/api"
	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/config"
	"github.com/privatetx/provider/internal/executor"
	"github.com/privatetx/provider/internal/keybroker"
	"github.com/privatetx/provider/internal/provider"
)

// loggingBroadcaster stands in for the out-of-scope peer-to-peer broadcast
// fabric: it logs what would have gone out instead of delivering it
// anywhere. No transport in this module carries these messages between
// processes; cmd/privatetx-relay forwards only new-block notifications.
type loggingBroadcaster struct{}

func (loggingBroadcaster) BroadcastPrivateTransaction(data []byte) error {
	fmt.Printf("privatetx-provider: broadcast private transaction (%d bytes)\n", len(data))
	return nil
}

func (loggingBroadcaster) BroadcastSignedPrivateTransaction(data []byte) error {
	fmt.Printf("privatetx-provider: broadcast signed private transaction (%d bytes)\n", len(data))
	return nil
}

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("privatetx-provider starting (env=%s, socket=%s)\n", cfg.Env, cfg.Provider.SocketPath)

	identity, err := provider.ParseConfig(cfg.Provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse provider identity: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	txSigner := types.HomesteadSigner{}

	fc := chain.NewFakeChain(txSigner)
	vm := chain.NewFakeVM()

	accounts, err := buildAccountProvider(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build account provider: %v\n", err)
		os.Exit(1)
	}

	var encryptor keybroker.Encryptor
	if cfg.KeyBroker.BaseURL == "" {
		encryptor = keybroker.DummyEncryptor{}
	} else {
		sessionTTL := time.Duration(cfg.KeyBroker.SessionTTLSec) * time.Second
		encryptor = keybroker.New(cfg.KeyBroker.BaseURL, uint32(cfg.KeyBroker.Threshold), accounts, nil, sessionTTL)
	}

	exec := executor.New(fc, vm, encryptor)
	p := provider.New(identity, fc, fc, accounts, exec, encryptor, loggingBroadcaster{}, txSigner, cfg.Provider.StaleAfterBlock)

	handler := api.NewHandler(p)
	srv, err := api.New(cfg.Provider.SocketPath, handler)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create api server: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	stopQueue := make(chan struct{})
	go runQueueLoop(ctx, p, stopQueue)

	fmt.Println("privatetx-provider ready — listening on UDS")

	select {
	case <-ctx.Done():
		fmt.Println("privatetx-provider shutting down gracefully...")
		close(stopQueue)
		srv.GracefulStop()
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "api server error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("privatetx-provider stopped")
}

// runQueueLoop periodically re-runs ProcessQueue and reaps stale
// verification entries, standing in for the chain-event-driven NewBlocks
// intake when no real chain client delivers block notifications.
func runQueueLoop(ctx context.Context, p *provider.Provider, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.ProcessQueue(ctx)
			if reaped := p.Reap(); len(reaped) > 0 {
				fmt.Printf("privatetx-provider: reaped %d stale verification entries\n", len(reaped))
			}
		}
	}
}

// buildAccountProvider wires a KMS-backed decrypt path over a local demo
// signer when a KMS key id is configured, or a bare in-memory demo account
// provider otherwise. Neither is the real keystore this module treats as
// an external collaborator; both exist for local development only.
func buildAccountProvider(ctx context.Context, cfg *config.Config) (chain.AccountProvider, error) {
	local := chain.NewFakeAccountProvider()

	if cfg.Provider.KMSKeyID == "" {
		return local, nil
	}

	decrypter, err := chain.NewKMSDecrypter(ctx, cfg.Provider.AWSRegion, cfg.LocalStackEndpoint)
	if err != nil {
		return nil, fmt.Errorf("build kms decrypter: %w", err)
	}
	return chain.NewKMSAccountProvider(decrypter, local), nil
}
