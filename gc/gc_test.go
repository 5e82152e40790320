package gc

import (
	"testing"
	"unsafe"
)

// rootSet roots a test's values through the root-scanner callback.
type rootSet struct {
	vals []Value
}

func (r *rootSet) scan(mc *MarkContext, kind Collection) {
	for _, v := range r.vals {
		mc.QueueObj(v)
	}
}

func newTestHeap(t *testing.T, cfg Config) (*Heap, *Mutator, *rootSet) {
	t.Helper()
	h, err := NewHeap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m := h.NewMutator()
	roots := &rootSet{}
	h.SetRootScanner(roots.scan, true)
	return h, m, roots
}

func bytesType(h *Heap, size uintptr) *Type {
	t := &Type{Name: "bytes", Size: size, Kind: KindObject}
	h.RegisterType(t)
	return t
}

func pairType(h *Heap) *Type {
	t := &Type{
		Name:      "pair",
		Size:      2 * wordSize,
		Kind:      KindObject,
		NPointers: 2,
		Ptrs8:     []uint8{0, 1},
		FirstPtr:  0,
	}
	h.RegisterType(t)
	return t
}

func pairField(v Value, i uintptr) *Value {
	return (*Value)(unsafe.Pointer(uintptr(v) + i*wordSize))
}

func TestHeaderRoundTrip(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	v := m.Alloc(16, bt)
	if TypeOf(v) != bt {
		t.Fatalf("TypeOf = %p, want %p", TypeOf(v), bt)
	}
	if v.tagged().bits() != bitsClean {
		t.Fatalf("new object bits = %d, want clean", v.tagged().bits())
	}
	if uintptr(v)%heapAlign != 0 {
		t.Fatalf("object %#x not %d-byte aligned", uintptr(v), heapAlign)
	}
}

func TestAllocCounters(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	before := h.Num()
	for i := 0; i < 10; i++ {
		m.Alloc(16, bt)
	}
	m.AllocBig(1<<16, bytesType(h, 1<<16))
	after := h.Num()
	if after.PoolAlloc-before.PoolAlloc != 10 {
		t.Errorf("poolalloc delta = %d, want 10", after.PoolAlloc-before.PoolAlloc)
	}
	if after.BigAlloc-before.BigAlloc != 1 {
		t.Errorf("bigalloc delta = %d, want 1", after.BigAlloc-before.BigAlloc)
	}
}

func TestStringAllocAndRealloc(t *testing.T) {
	_, m, roots := newTestHeap(t, Config{})
	s := m.AllocString(10)
	if StringLen(s) != 10 {
		t.Fatalf("len = %d, want 10", StringLen(s))
	}
	copy(StringBytes(s), "helloworld")
	s2 := m.ReallocString(s, 100)
	if s2 == s {
		t.Fatal("small string was grown in place")
	}
	if StringLen(s2) != 100 {
		t.Fatalf("grown len = %d, want 100", StringLen(s2))
	}
	if string(StringBytes(s2)[:10]) != "helloworld" {
		t.Fatalf("content lost: %q", StringBytes(s2)[:10])
	}
	// A big string grows in place: same header list discipline, new block.
	big := m.AllocString(4096)
	copy(StringBytes(big), "abc")
	big2 := m.ReallocString(big, 8192)
	if StringLen(big2) != 8192 {
		t.Fatalf("big grown len = %d", StringLen(big2))
	}
	if string(StringBytes(big2)[:3]) != "abc" {
		t.Fatalf("big content lost")
	}
	roots.vals = []Value{s2, big2}
	m.Collect(CollectionAuto)
	if string(StringBytes(s2)[:10]) != "helloworld" {
		t.Fatalf("string content lost over collection")
	}
}

func TestPermAlloc(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	p := h.PermAlloc(64, true, 16, 0)
	if uintptr(p)%16 != 0 {
		t.Fatalf("perm pointer %#x not 16-aligned", uintptr(p))
	}
	if !h.perm.contains(uintptr(p)) {
		t.Fatal("perm range not recorded")
	}
	// Large requests bypass the pool.
	pl := h.PermAlloc(permPoolLimit+1, false, 64, 0)
	if !h.perm.contains(uintptr(pl)) {
		t.Fatal("large perm range not recorded")
	}
	// The permanent arena is never swept: the sentinel survives full
	// collections untouched.
	swept := false
	h.RegisterPermSweep(func() { swept = true })
	m.Collect(CollectionFull)
	if !swept {
		t.Fatal("perm sweep callback did not run on full sweep")
	}
	if h.Nothing().tagged().bits() != bitsOldMarked {
		t.Fatal("perm sentinel header changed")
	}
}

func TestEnableDisable(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	if prev := m.Enable(false); !prev {
		t.Fatal("collection was not enabled initially")
	}
	m.Alloc(16, bt)
	pausesBefore := h.Num().Pause
	m.Collect(CollectionAuto)
	if got := h.Num().Pause; got != pausesBefore {
		t.Fatalf("disabled collect ran: pauses %d -> %d", pausesBefore, got)
	}
	if h.deferredAlloc.Load() == 0 {
		t.Fatal("disabled collect did not defer accounting")
	}
	if prev := m.Enable(true); prev {
		t.Fatal("Enable(true) reported enabled while disabled")
	}
	if !m.IsEnabled() {
		t.Fatal("IsEnabled after enable = false")
	}
	m.Collect(CollectionAuto)
	if got := h.Num().Pause; got == pausesBefore {
		t.Fatal("enabled collect did not run")
	}
}

func TestCallbackIdempotentRegistration(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	count := 0
	cb := func(kind Collection) { count++ }
	h.SetPreGC(cb, true)
	h.SetPreGC(cb, true) // second registration is a no-op
	m.Collect(CollectionAuto)
	if count != 1 {
		t.Fatalf("pre-gc callback ran %d times, want 1", count)
	}
	h.SetPreGC(cb, false)
	m.Collect(CollectionAuto)
	if count != 1 {
		t.Fatalf("deregistered callback still ran (%d)", count)
	}
}

func TestCountedMalloc(t *testing.T) {
	_, m, _ := newTestHeap(t, Config{})
	p := m.CountedMalloc(128)
	if p == nil {
		t.Fatal("CountedMalloc returned nil")
	}
	*(*uint64)(p) = 42
	p = m.CountedRealloc(p, 128, 4096)
	if *(*uint64)(p) != 42 {
		t.Fatal("realloc lost content")
	}
	m.CountedFree(p, 4096)
	if m.nfreecall.Load() != 1 {
		t.Fatalf("freecall = %d, want 1", m.nfreecall.Load())
	}
}
