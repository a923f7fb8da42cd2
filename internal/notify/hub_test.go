package notify

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// countingListener implements chain.BlockImportListener and counts how many
// times it was notified; Provider, by contrast, re-runs process_queue on
// each notification.
type countingListener struct {
	calls int32
}

func (c *countingListener) NewBlocks(blockHashes []common.Hash) {
	atomic.AddInt32(&c.calls, 1)
}

func TestSubscribeDeliversToLiveListener(t *testing.T) {
	h := New()
	listener := &countingListener{}
	Subscribe(h, &listener)

	h.NewBlocks([]common.Hash{common.HexToHash("0x01")})
	h.NewBlocks([]common.Hash{common.HexToHash("0x02")})

	if got := atomic.LoadInt32(&listener.calls); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestSubscribePrunesGarbageCollectedListener(t *testing.T) {
	h := New()

	func() {
		listener := &countingListener{}
		Subscribe(h, &listener)
		h.NewBlocks([]common.Hash{common.HexToHash("0x01")})
		if got := atomic.LoadInt32(&listener.calls); got != 1 {
			t.Fatalf("expected 1 delivery while listener is alive, got %d", got)
		}
		// listener goes out of scope here with no other strong references.
	}()

	waitForCondition(t, 2*time.Second, func() bool {
		runtime.GC()
		h.NewBlocks(nil)
		return len(h.subs) == 0
	})
}

func TestCompactRemovesOnlyDeadEntries(t *testing.T) {
	h := New()
	alive := &countingListener{}
	Subscribe(h, &alive)

	func() {
		dead := &countingListener{}
		Subscribe(h, &dead)
	}()

	waitForCondition(t, 2*time.Second, func() bool {
		runtime.GC()
		h.Compact()
		return len(h.subs) == 1
	})

	h.NewBlocks([]common.Hash{common.HexToHash("0x01")})
	if got := atomic.LoadInt32(&alive.calls); got != 1 {
		t.Fatalf("expected the surviving listener to still be notified, got %d calls", got)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
