package gc

import (
	"testing"
	"unsafe"
)

func TestConservativeBasePtr(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 48)

	if h.EnableConservativeScan(m) {
		t.Fatal("conservative support reported already enabled on a fresh heap")
	}
	if !h.ConservativeScanEnabled() {
		t.Fatal("conservative support not recorded")
	}

	live := m.Alloc(48, bt)
	dead := m.Alloc(48, bt)
	roots.vals = []Value{live}

	// An interior pointer into a bump-allocated object resolves to its
	// base; an address past the bump pointer resolves to nothing.
	if got := h.InternalObjBasePtr(uintptr(live) + 17); got != live {
		t.Fatalf("interior lookup = %#x, want %#x", uintptr(got), uintptr(live))
	}
	pg := h.pageMetadata(uintptr(live))
	osize := uintptr(pg.osize)
	past := uintptr(dead) - headerSize + 4*osize
	if got := h.InternalObjBasePtr(past + 1); got != 0 {
		t.Fatalf("lookup past the bump pointer = %#x, want 0", uintptr(got))
	}

	// After a full sweep the age bits separate freelist cells from
	// objects.
	m.Collect(CollectionFull)
	if got := h.InternalObjBasePtr(uintptr(live) + 1); got != live {
		t.Fatalf("live lookup after sweep = %#x, want %#x", uintptr(got), uintptr(live))
	}
	if got := h.InternalObjBasePtr(uintptr(dead) + 1); got != 0 {
		t.Fatalf("freed-cell lookup = %#x, want 0", uintptr(got))
	}

	// Addresses outside any pool page resolve to nothing.
	var local int
	if got := h.InternalObjBasePtr(uintptr(unsafe.Pointer(&local))); got != 0 {
		t.Fatalf("stack address resolved to %#x", uintptr(got))
	}
	// Untyped buffers are never handed out.
	buf := m.AllocBuffer(48)
	if got := h.InternalObjBasePtr(uintptr(buf) + 1); got != 0 {
		t.Fatalf("buffer lookup = %#x, want 0", uintptr(got))
	}
}

func TestConservativeDisablesAgeReset(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	h.EnableConservativeScan(m)
	bt := bytesType(h, 16)
	count := 0
	v := m.Alloc(16, bt)
	m.AddRawFinalizer(v, func(Value) { count++ })

	// One rooted cycle sets v's age bit.
	roots.vals = []Value{v}
	m.Collect(CollectionAuto)
	roots.vals = nil

	// With conservative support on, to-finalize marking must not clear age
	// bits: the kept age bit makes the sweep promote v instead of leaving it
	// young, and the finalizer still runs exactly once.
	m.Collect(CollectionAuto)
	if count != 1 {
		t.Fatalf("finalizer ran %d times, want 1", count)
	}
	if got := v.tagged().bits(); got != bitsOld {
		t.Fatalf("bits = %d, want OLD (age bit kept through to-finalize marking)", got)
	}
}
