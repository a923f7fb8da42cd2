package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// session is one validator's live connection into the relay.
type session struct {
	validator common.Address
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (s *session) send(n BlockNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub accepts inbound WebSocket connections from remote validators and
// forwards BlockNotifications to whichever of them are currently
// connected, keyed by validator address so SendTo can target one validator
// as easily as NewBlocks broadcasts to all.
type Hub struct {
	mu       sync.Mutex
	sessions map[common.Address]*session
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[common.Address]*session)}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers it
// under the validator address given in the "validator" query parameter. A
// prior connection for the same validator is closed and replaced.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addrParam := r.URL.Query().Get("validator")
	if !common.IsHexAddress(addrParam) {
		http.Error(w, "missing or malformed validator address", http.StatusBadRequest)
		return
	}
	validator := common.HexToAddress(addrParam)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &session{validator: validator, conn: conn}

	h.mu.Lock()
	if existing, ok := h.sessions[validator]; ok {
		existing.conn.Close()
	}
	h.sessions[validator] = s
	h.mu.Unlock()

	go h.drain(s)
}

// drain reads (and discards) inbound traffic solely to detect disconnects;
// the relay protocol is one-directional, server to validator.
func (h *Hub) drain(s *session) {
	defer func() {
		h.mu.Lock()
		if h.sessions[s.validator] == s {
			delete(h.sessions, s.validator)
		}
		h.mu.Unlock()
		s.conn.Close()
	}()

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// NewBlocks implements chain.BlockImportListener, broadcasting the given
// block hashes to every currently connected validator.
func (h *Hub) NewBlocks(blockHashes []common.Hash) {
	n := BlockNotification{BlockHashes: blockHashes}

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.send(n); err != nil {
			h.mu.Lock()
			if h.sessions[s.validator] == s {
				delete(h.sessions, s.validator)
			}
			h.mu.Unlock()
		}
	}
}

// Connected reports whether validator currently has a live session.
func (h *Hub) Connected(validator common.Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[validator]
	return ok
}

// SendTo delivers a notification to a single validator's session, if
// connected.
func (h *Hub) SendTo(validator common.Address, blockHashes []common.Hash) error {
	h.mu.Lock()
	s, ok := h.sessions[validator]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: no active session for validator %s", validator)
	}
	return s.send(BlockNotification{BlockHashes: blockHashes})
}
