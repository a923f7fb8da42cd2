// Package notify broadcasts new-block notifications to whatever is
// currently listening — the provider's process_queue loop, a relay
// forwarding to remote validators, anything implementing
// chain.BlockImportListener.
// Subscribers are held by weak reference so a listener that drops its
// strong handle without explicitly unsubscribing does not keep the hub's
// subscriber list growing forever.
package notify

import (
	"sync"
	"weak"

	"github.com/ethereum/go-ethereum/common"

	"github.com/privatetx/provider/internal/chain"
)

// entry pairs a weak pointer to the subscriber's concrete value with the
// call that dereferences it and invokes NewBlocks — weak.Pointer is generic
// over the pointee type, so the call has to be captured per-subscription
// rather than stored as a second weak pointer to the interface itself.
type entry struct {
	alive func() bool
	call  func(blockHashes []common.Hash)
}

// Hub is a many-to-one broadcaster: one chain feeding NewBlocks calls out
// to every still-alive subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs []entry
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{}
}

// Subscribe registers listener for future NewBlocks calls, keyed off a weak
// pointer to the concrete value it points at. The caller must keep its own
// strong reference to listener alive for as long as it wants to keep
// receiving notifications; once that reference is dropped the listener is
// pruned from the hub the next time a broadcast or Compact runs, no
// Unsubscribe call required.
func Subscribe[T chain.BlockImportListener](h *Hub, listener *T) {
	ref := weak.Make(listener)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, entry{
		alive: func() bool { return ref.Value() != nil },
		call: func(blockHashes []common.Hash) {
			if p := ref.Value(); p != nil {
				(*p).NewBlocks(blockHashes)
			}
		},
	})
}

// NewBlocks implements chain.BlockImportListener, fanning the notification
// out to every subscriber still alive. Dead entries are compacted out of the
// slice opportunistically rather than up front, so a broadcast never blocks
// on bookkeeping.
func (h *Hub) NewBlocks(blockHashes []common.Hash) {
	h.mu.RLock()
	calls := make([]func([]common.Hash), 0, len(h.subs))
	anyDead := false
	for _, e := range h.subs {
		if !e.alive() {
			anyDead = true
			continue
		}
		calls = append(calls, e.call)
	}
	h.mu.RUnlock()

	for _, call := range calls {
		call(blockHashes)
	}

	if anyDead {
		h.Compact()
	}
}

// Compact drops subscriptions whose target has been garbage collected.
func (h *Hub) Compact() {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.subs[:0]
	for _, e := range h.subs {
		if e.alive() {
			kept = append(kept, e)
		}
	}
	h.subs = kept
}
