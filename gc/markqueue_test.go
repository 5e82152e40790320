package gc

import (
	"testing"
	"unsafe"
)

func TestMarkQueueLIFO(t *testing.T) {
	var mq markQueue
	mq.init(4, false)
	for i := 1; i <= 100; i++ {
		mq.push(Value(i))
	}
	for i := 100; i >= 1; i-- {
		v, ok := mq.pop()
		if !ok || v != Value(i) {
			t.Fatalf("pop = %d,%v, want %d", v, ok, i)
		}
	}
	if _, ok := mq.pop(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestMarkQueuePrefetchDrainsAll(t *testing.T) {
	var mq markQueue
	mq.init(4, true)
	const n = 5000
	seen := make(map[Value]bool, n)
	// The prefetch path touches the word before each queued value, so queue
	// addresses into a real buffer.
	backing := make([]uintptr, n+1)
	for i := 1; i <= n; i++ {
		mq.push(Value(unsafe.Pointer(&backing[i])))
	}
	for {
		v, ok := mq.pop()
		if !ok {
			break
		}
		if seen[v] {
			t.Fatalf("duplicate %d", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("drained %d values, want %d", len(seen), n)
	}
	if !mq.empty() {
		t.Fatal("queue not empty after drain")
	}
}
