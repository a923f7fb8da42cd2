// Package relay carries chain.BlockImportListener notifications to remote
// validators over WebSocket — the transport a validator process too far
// from the chain node to share an in-process notify.Hub uses instead.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

// ConnState reports whether a Client currently has a live connection to
// its relay endpoint.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connected
)

// ClientConfig holds tunable parameters for a Client.
type ClientConfig struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum silence before the client considers
	// the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	Headers http.Header
}

// DefaultClientConfig returns sensible defaults for a relay connection.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 30 * time.Second,
		BackoffInitial:   200 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
	}
}

// BlockNotification is the wire message a relay forwards: the set of block
// hashes imported since the last notification.
type BlockNotification struct {
	BlockHashes []common.Hash `json:"block_hashes"`
}

// Client is a resilient WebSocket connection to a relay endpoint. It
// reconnects with exponential backoff, monitors heartbeats, and fans out
// inbound BlockNotifications to subscribers.
type Client struct {
	cfg ClientConfig

	state atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  []chan BlockNotification

	outbox chan BlockNotification

	cancel context.CancelFunc
	done   chan struct{}

	onReconnect func()
}

// NewClient creates a Client. Call Connect to start it.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:    cfg,
		outbox: make(chan BlockNotification, 64),
		done:   make(chan struct{}),
	}
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Subscribe returns a channel receiving every inbound BlockNotification.
// The caller must drain it to avoid blocking other subscribers.
func (c *Client) Subscribe() <-chan BlockNotification {
	ch := make(chan BlockNotification, 64)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// Send enqueues a notification for delivery to the relay endpoint.
func (c *Client) Send(n BlockNotification) {
	select {
	case c.outbox <- n:
	default:
		log.Printf("relay: outbox full, dropping notification for blocks %v", n.BlockHashes)
	}
}

// Connect dials the relay endpoint and starts the read/write/heartbeat
// loops. The initial connection is a single dial attempt: if it fails,
// Connect returns that error without retrying. Reconnect with backoff only
// applies after the first connection has been established.
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.state.Store(int32(Connected))

	go c.readLoop(ctx)
	go c.writeLoop(ctx)

	return nil
}

// Close shuts the client down, closing the connection and every subscriber
// channel.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.subMu.RLock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subMu.RUnlock()

	close(c.done)
}

// Done returns a channel closed once the client has fully shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  c.cfg.ReadBufferSize,
		WriteBufferSize: c.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) reconnect(ctx context.Context) bool {
	c.state.Store(int32(Disconnected))

	delay := c.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := c.dial(ctx); err != nil {
			log.Printf("relay: reconnect failed: %v (retry in %v)", err, delay)
			delay = time.Duration(math.Min(
				float64(delay)*c.cfg.BackoffFactor,
				float64(c.cfg.BackoffMax),
			))
			continue
		}

		c.state.Store(int32(Connected))
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return true
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("relay: read error (triggering reconnect): %v", err)
			conn.Close()
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		var n BlockNotification
		if err := json.Unmarshal(msg, &n); err != nil {
			log.Printf("relay: malformed notification: %v", err)
			continue
		}
		c.fanOut(n)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.outbox:
			data, err := json.Marshal(n)
			if err != nil {
				log.Printf("relay: marshal notification: %v", err)
				continue
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("relay: write error: %v", err)
			}
		}
	}
}

func (c *Client) fanOut(n BlockNotification) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
