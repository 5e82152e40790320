package gc

import (
	"sync"
	"unsafe"
)

// The permanent arena is a monotonic bump allocator for data that outlives
// every collection (runtime images, interned symbols). It is never swept;
// a full sweep only runs the registered extension callbacks over it.
const (
	permPoolSize  = 2 << 20  // slab size
	permPoolLimit = 20 << 10 // requests above this bypass the pool
)

type permRange struct {
	start, end uintptr
}

type permArena struct {
	lock sync.Mutex
	pool uintptr // bump cursor
	end  uintptr

	// ranges records every slab and large block so the mark engine can
	// recognize permanent addresses (they get no page or big metadata).
	rangesLock sync.Mutex
	ranges     []permRange

	sweepFuncs []func()
}

// contains reports whether p points into permanent memory.
func (pa *permArena) contains(p uintptr) bool {
	pa.rangesLock.Lock()
	defer pa.rangesLock.Unlock()
	for _, r := range pa.ranges {
		if p >= r.start && p < r.end {
			return true
		}
	}
	return false
}

func (pa *permArena) addRange(start, end uintptr) {
	pa.rangesLock.Lock()
	pa.ranges = append(pa.ranges, permRange{start, end})
	pa.rangesLock.Unlock()
}

// permAllocLarge serves requests too big for the bump pool straight from
// the OS, honoring the alignment and offset the caller asked for.
func (h *Heap) permAllocLarge(sz uintptr, align, offset uintptr) unsafe.Pointer {
	if gcAsserts && offset != 0 && offset >= align {
		gcPanic("gc: perm alloc offset out of range")
	}
	if align > 1 {
		sz += align - 1
	}
	base := h.osAlloc(sz)
	if base == 0 {
		panic(ErrOutOfMemory)
	}
	h.perm.addRange(base, base+sz)
	return unsafe.Pointer(alignUp(base+offset, align) - offset)
}

// tryPermAllocPool bumps the current slab, or fails.
func (h *Heap) tryPermAllocPool(sz, align, offset uintptr) unsafe.Pointer {
	pa := &h.perm
	pool := alignUp(pa.pool+offset, align) - offset
	end := pool + sz
	if end > pa.end || pool == 0 {
		return nil
	}
	pa.pool = end
	return unsafe.Pointer(pool)
}

// PermAllocNolock is PermAlloc for callers already holding the perm lock.
// NOT a safepoint.
func (h *Heap) PermAllocNolock(sz uintptr, zero bool, align, offset uintptr) unsafe.Pointer {
	// OS mappings come back zeroed, so zero only matters for pool reuse;
	// the bump pool is never reused, so it holds there too.
	_ = zero
	if gcAsserts && align >= permPoolLimit {
		gcPanic("gc: perm alloc alignment too large")
	}
	if sz > permPoolLimit {
		return h.permAllocLarge(sz, align, offset)
	}
	if p := h.tryPermAllocPool(sz, align, offset); p != nil {
		return p
	}
	slab := h.osAlloc(permPoolSize)
	if slab == 0 {
		panic(ErrOutOfMemory)
	}
	h.perm.addRange(slab, slab+permPoolSize)
	h.perm.pool = slab
	h.perm.end = slab + permPoolSize
	return h.tryPermAllocPool(sz, align, offset)
}

// PermAlloc allocates immortal memory with the given alignment; the
// returned pointer p satisfies (p+offset) aligned when offset is nonzero in
// the way of the pool page layout. NOT a safepoint.
func (h *Heap) PermAlloc(sz uintptr, zero bool, align, offset uintptr) unsafe.Pointer {
	if sz > permPoolLimit {
		return h.permAllocLarge(sz, align, offset)
	}
	h.perm.lock.Lock()
	p := h.PermAllocNolock(sz, zero, align, offset)
	h.perm.lock.Unlock()
	return p
}

// RegisterPermSweep adds a callback run over the permanent arena at the end
// of every full sweep.
func (h *Heap) RegisterPermSweep(f func()) {
	h.perm.lock.Lock()
	h.perm.sweepFuncs = append(h.perm.sweepFuncs, f)
	h.perm.lock.Unlock()
}

// sweepPermAlloc runs the permanent-arena extension callbacks. Full sweep
// only; the arena itself is never reclaimed.
func (h *Heap) sweepPermAlloc() {
	for _, f := range h.perm.sweepFuncs {
		f()
	}
}
