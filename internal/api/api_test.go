package api_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/privatetx/provider/internal/api"
	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/executor"
	"github.com/privatetx/provider/internal/keybroker"
	"github.com/privatetx/provider/internal/provider"
)

// noopBroadcaster satisfies provider.Broadcaster without recording
// anything — these tests only exercise the HTTP plumbing, not multi-party
// signature aggregation.
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastPrivateTransaction(data []byte) error       { return nil }
func (noopBroadcaster) BroadcastSignedPrivateTransaction(data []byte) error { return nil }

// TestIntegration_CreateAndRejectBadType starts a real HTTP server on a
// temporary Unix domain socket and exercises the create_private_transaction
// endpoint end to end, the way the teacher's signer integration test dials
// its gRPC server over UDS.
func TestIntegration_CreateAndRejectBadType(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test-provider.sock")

	signer := types.HomesteadSigner{}
	fc := chain.NewFakeChain(signer)
	ap := chain.NewFakeAccountProvider()
	exec := executor.New(fc, chain.NewFakeVM(), keybroker.DummyEncryptor{})

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := ap.AddAccount(key, "pw")

	p := provider.New(provider.Config{Signer: &addr, Passwords: []string{"pw"}}, fc, fc, ap, exec, keybroker.DummyEncryptor{}, noopBroadcaster{}, signer, 64)
	handler := api.NewHandler(p)

	srv, err := api.New(socketPath, handler)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.GracefulStop)
	waitForSocket(t, socketPath)

	client := unixClient(socketPath)

	// A contract-creation transaction is the wrong shape for
	// create_private_transaction and must be rejected without reaching the
	// executor.
	createTx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(0), Gas: 1_000_000, To: nil, Value: new(big.Int), Data: nil,
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	resp := postJSON(t, client, socketPath, "/create_private_transaction", map[string]string{
		"signed_transaction": hexEncodeTx(t, createTx),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad transaction type, got %d", resp.StatusCode)
	}

	// A Call transaction against an unknown contract should reach the
	// executor and fail cleanly as a 404 rather than panicking the handler.
	to := common.HexToAddress("0x00000000000000000000000000000000001234")
	callTx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(0), Gas: 1_000_000, To: &to, Value: new(big.Int), Data: []byte{1, 2, 3, 4},
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	resp = postJSON(t, client, socketPath, "/create_private_transaction", map[string]string{
		"signed_transaction": hexEncodeTx(t, callTx),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown contract, got %d", resp.StatusCode)
	}
}

func hexEncodeTx(t *testing.T, tx *types.Transaction) string {
	t.Helper()
	data, err := rlp.EncodeToBytes(tx)
	if err != nil {
		t.Fatalf("rlp encode tx: %v", err)
	}
	return "0x" + hex.EncodeToString(data)
}

func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func postJSON(t *testing.T, client *http.Client, socketPath, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := client.Post("http://unix"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
			if err == nil {
				conn.Close()
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("socket %s did not become available", path)
}
