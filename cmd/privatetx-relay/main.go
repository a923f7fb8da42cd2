// Command privatetx-relay runs the standalone WebSocket relay that fans
// chain-import block notifications out to remote validators, the demo
// transport a relay.Client connects to. The privatetx-provider binary does
// not connect to it. Its lifecycle mirrors cmd/caesar's: load
// config, start serving, block until signaled, shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/privatetx/provider/internal/config"
	"github.com/privatetx/provider/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	hub := relay.NewHub()

	srv := &http.Server{
		Addr:    cfg.Relay.ListenAddr,
		Handler: hub,
	}

	fmt.Printf("privatetx-relay listening on %s\n", cfg.Relay.ListenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("privatetx-relay shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "relay shutdown error: %v\n", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "relay server error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("privatetx-relay stopped")
}
