package striped

import (
	"sync"
	"testing"
)

func TestPoolPreservesPerKeyOrder(t *testing.T) {
	pool := NewPool(4, 16)

	var mu sync.Mutex
	got := map[string][]int{}

	keys := []string{"BTC-USD", "ETH-USD", "alice", "bob"}
	for i := 0; i < 100; i++ {
		for _, key := range keys {
			key := key
			seq := i
			pool.Execute(key, func() {
				mu.Lock()
				got[key] = append(got[key], seq)
				mu.Unlock()
			})
		}
	}
	pool.Shutdown()

	for _, key := range keys {
		seqs := got[key]
		if len(seqs) != 100 {
			t.Fatalf("key %s: expected 100 tasks, got %d", key, len(seqs))
		}
		for i, seq := range seqs {
			if seq != i {
				t.Fatalf("key %s: task %d ran out of order (got seq %d)", key, i, seq)
			}
		}
	}
}

func TestPoolSameKeySameStripe(t *testing.T) {
	pool := NewPool(8, 16)
	defer pool.Shutdown()

	if pool.stripe("BTC-USD") != pool.stripe("BTC-USD") {
		t.Fatal("same key must map to the same stripe")
	}
}

func TestPoolShutdownIdempotent(t *testing.T) {
	pool := NewPool(2, 4)
	pool.Execute("k", func() {})
	pool.Shutdown()
	pool.Shutdown()
}
