package gc

import (
	"testing"
)

// TestFinalizerExactlyOnce registers a finalizer, drops the object, and
// checks the callback runs exactly once, after the collection that
// discovered unreachability.
func TestFinalizerExactlyOnce(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	count := 0
	v := m.Alloc(16, bt)
	m.AddRawFinalizer(v, func(got Value) {
		if got != v {
			t.Errorf("finalizer got %#x, want %#x", uintptr(got), uintptr(v))
		}
		count++
	})
	roots.vals = []Value{v}

	m.Collect(CollectionAuto)
	if count != 0 {
		t.Fatal("finalizer ran while the object was reachable")
	}

	roots.vals = nil
	m.Collect(CollectionAuto)
	if count != 1 {
		t.Fatalf("finalizer ran %d times after death, want 1", count)
	}

	m.Collect(CollectionAuto)
	if count != 1 {
		t.Fatalf("finalizer re-ran on a later collection (%d)", count)
	}
}

// TestManagedFinalizerDispatch routes a managed callback through the
// configured dispatcher.
func TestManagedFinalizerDispatch(t *testing.T) {
	var gotFn, gotObj Value
	calls := 0
	h, err := NewHeap(Config{
		RunFinalizer: func(fn, obj Value) {
			gotFn, gotObj = fn, obj
			calls++
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := h.NewMutator()
	roots := &rootSet{}
	h.SetRootScanner(roots.scan, true)

	bt := bytesType(h, 16)
	obj := m.Alloc(16, bt)
	fn := m.Alloc(16, bt) // stands in for a managed callback object
	m.AddFinalizer(obj, fn)
	roots.vals = nil

	m.Collect(CollectionAuto)

	if calls != 1 {
		t.Fatalf("dispatcher ran %d times, want 1", calls)
	}
	if gotObj != obj || gotFn != fn {
		t.Fatalf("dispatcher got (%#x, %#x), want (%#x, %#x)",
			uintptr(gotFn), uintptr(gotObj), uintptr(fn), uintptr(obj))
	}
}

// TestFinalizeSynchronous runs an object's finalizers eagerly; a later
// collection must not run them again.
func TestFinalizeSynchronous(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	count := 0
	v := m.Alloc(16, bt)
	m.AddRawFinalizer(v, func(Value) { count++ })
	roots.vals = []Value{v}

	m.Finalize(v)
	if count != 1 {
		t.Fatalf("Finalize ran the callback %d times, want 1", count)
	}

	roots.vals = nil
	m.Collect(CollectionAuto)
	if count != 1 {
		t.Fatalf("finalizer re-ran after Finalize (%d)", count)
	}
}

// TestRunAllFinalizers flushes every registered finalizer, in reverse
// registration order.
func TestRunAllFinalizers(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	var order []int
	a := m.Alloc(16, bt)
	b := m.Alloc(16, bt)
	m.AddRawFinalizer(a, func(Value) { order = append(order, 1) })
	m.AddRawFinalizer(b, func(Value) { order = append(order, 2) })
	roots.vals = []Value{a, b}

	m.RunAllFinalizers()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("finalizer order = %v, want [2 1]", order)
	}
}

// TestFinalizerPanicRecovered checks a panicking callback is contained.
func TestFinalizerPanicRecovered(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	after := false
	v := m.Alloc(16, bt)
	w := m.Alloc(16, bt)
	m.AddRawFinalizer(w, func(Value) { after = true })
	m.AddRawFinalizer(v, func(Value) { panic("finalizer boom") })
	roots.vals = nil

	m.Collect(CollectionAuto)

	if !after {
		t.Fatal("a panicking finalizer aborted the rest of the queue")
	}
}

// TestEnableFinalizersDefersExecution holds callbacks while inhibited and
// releases them on re-enable.
func TestEnableFinalizersDefersExecution(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	count := 0
	v := m.Alloc(16, bt)
	m.AddRawFinalizer(v, func(Value) { count++ })
	roots.vals = nil

	m.EnableFinalizers(false)
	m.Collect(CollectionAuto)
	if count != 0 {
		t.Fatal("finalizer ran while inhibited")
	}
	m.EnableFinalizers(true)
	if count != 1 {
		t.Fatalf("re-enabling ran %d finalizers, want 1", count)
	}

	// An unmatched enable is reported and leaves the state unchanged.
	m.EnableFinalizers(true)
	if m.finalizersInhibited != 0 {
		t.Fatal("unbalanced enable corrupted the inhibition count")
	}
}

// TestFinalizerSurvivorPropagation keeps an old finalizable object alive
// across full sweeps; the pair must migrate to the global marked list and
// the callback must not run.
func TestFinalizerSurvivorPropagation(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	count := 0
	v := m.Alloc(16, bt)
	m.AddRawFinalizer(v, func(Value) { count++ })
	roots.vals = []Value{v}

	m.Collect(CollectionAuto)
	m.Collect(CollectionAuto) // promotes v to the old generation
	m.Collect(CollectionAuto) // old+marked: the pair moves to the marked list

	if count != 0 {
		t.Fatal("finalizer ran on a live object")
	}
	if h.finalizerListMarked.length.Load() == 0 {
		t.Fatal("old finalizable pair did not migrate to the marked list")
	}

	roots.vals = nil
	m.Collect(CollectionFull)
	if count != 1 {
		t.Fatalf("finalizer ran %d times after death, want 1", count)
	}
}
