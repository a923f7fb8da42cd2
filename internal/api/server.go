package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Server wraps an http.Server bound to a Unix domain socket, mirroring the
// teacher's signer.Server lifecycle (create listener, chmod it down to the
// owner, clean the socket file up on shutdown) with net/http standing in
// for gRPC underneath.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
}

// New creates a Server bound to socketPath, serving handler's routes.
func New(socketPath string, handler *Handler) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("api: create socket directory: %w", err)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("api: remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("api: listen on unix socket %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("api: chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	handler.Routes(mux)

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   lis,
		socketPath: socketPath,
	}, nil
}

// Serve starts accepting connections. It blocks until the server is
// shut down or an error occurs, the same contract as grpc.Server.Serve.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// GracefulStop drains in-flight requests and cleans up the socket file.
func (s *Server) GracefulStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
	os.Remove(s.socketPath)
}
