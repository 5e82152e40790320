package gc

import (
	"testing"
	"unsafe"
)

// TestPoolRetention allocates ten thousand small objects, keeps them all
// reachable and collects: everything must survive with its payload intact,
// and the page bookkeeping must balance.
func TestPoolRetention(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	ptrs := make([]Value, 10000)
	for i := range ptrs {
		v := m.Alloc(16, bt)
		*(*uint64)(unsafe.Pointer(v)) = uint64(i)
		ptrs[i] = v
	}
	roots.vals = ptrs

	m.Collect(CollectionAuto)

	if lb := h.LiveBytes(); lb < 160000 {
		t.Fatalf("live bytes = %d, want >= 160000", lb)
	}
	for i, v := range ptrs {
		if TypeOf(v) != bt {
			t.Fatalf("object %d lost its type header", i)
		}
		if got := *(*uint64)(unsafe.Pointer(v)); got != uint64(i) {
			t.Fatalf("object %d payload = %d", i, got)
		}
	}

	// Free cells plus live cells must cover the page.
	pg := h.pageMetadata(uintptr(ptrs[0]))
	osize := uintptr(pg.osize)
	capacity := (PageSize - pageOffset) / osize
	live := uintptr(0)
	for id := uintptr(0); id < capacity; id++ {
		if pg.ageBit(id) {
			live++
		}
	}
	if uintptr(pg.nfree)+live != capacity {
		t.Fatalf("page balance: nfree %d + live %d != capacity %d", pg.nfree, live, capacity)
	}
}

// TestBigObjectFree drops a 1 MiB object and expects exactly one external
// free notification carrying the original header.
func TestBigObjectFree(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	bt := bytesType(h, 1<<20)
	var freed []unsafe.Pointer
	h.SetNotifyExternalFree(func(hdr unsafe.Pointer) { freed = append(freed, hdr) }, true)

	v := m.AllocBig(1<<20, bt)
	hdr := unsafe.Pointer(bigValHeader(v.tagged()))

	m.Collect(CollectionFull)

	if len(freed) != 1 {
		t.Fatalf("external free ran %d times, want 1", len(freed))
	}
	if freed[0] != hdr {
		t.Fatalf("freed header %p, want %p", freed[0], hdr)
	}
	for b := m.bigObjects; b != nil; b = b.next {
		if unsafe.Pointer(b) == hdr {
			t.Fatal("freed object still on the big-object list")
		}
	}
}

// TestCycleReclaimed builds a two-object cycle with no external references;
// a full sweep must reclaim both cells.
func TestCycleReclaimed(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	pt := pairType(h)
	a := m.Alloc(pt.Size, pt)
	b := m.Alloc(pt.Size, pt)
	c := m.Alloc(pt.Size, pt) // stays rooted as a control
	*pairField(a, 0) = b
	*pairField(b, 0) = a
	*pairField(a, 1) = 0
	*pairField(b, 1) = 0
	*pairField(c, 0) = 0
	*pairField(c, 1) = 0
	roots.vals = []Value{c}

	m.Collect(CollectionFull)

	pg := h.pageMetadata(uintptr(a))
	begin := pageData(uintptr(a)) + pageOffset
	osize := uintptr(pg.osize)
	idA := (uintptr(a) - headerSize - begin) / osize
	idB := (uintptr(b) - headerSize - begin) / osize
	idC := (uintptr(c) - headerSize - begin) / osize
	if pg.ageBit(idA) || pg.ageBit(idB) {
		t.Fatal("cycle members still counted live after full sweep")
	}
	if !pg.ageBit(idC) {
		t.Fatal("rooted control object not counted live")
	}
}

// TestBarrierQuickSweep promotes an object to the old generation, stores a
// young pointer into it through the write barrier, and checks the
// generational dance: the young object survives the quick sweep and the old
// object is re-tagged so the barrier stays primed.
func TestBarrierQuickSweep(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	pt := pairType(h)
	o := m.Alloc(pt.Size, pt)
	*pairField(o, 0) = 0
	*pairField(o, 1) = 0
	roots.vals = []Value{o}

	// Two quick sweeps age and then promote the object.
	m.Collect(CollectionAuto)
	m.Collect(CollectionAuto)
	if o.tagged().bits() != bitsOld {
		t.Fatalf("object bits = %d after two sweeps, want old", o.tagged().bits())
	}

	y := m.Alloc(pt.Size, pt)
	*pairField(y, 0) = 0
	*pairField(y, 1) = 0
	*pairField(o, 0) = y
	m.QueueRoot(o) // the write barrier for an old-to-young store
	if o.tagged().bits() != bitsMarked {
		t.Fatal("barrier did not re-tag the old object")
	}

	m.Collect(CollectionAuto)

	if TypeOf(y) != pt {
		t.Fatal("young object did not survive the quick sweep")
	}
	if got := *pairField(o, 0); got != y {
		t.Fatalf("old object's field = %#x, want %#x", uintptr(got), uintptr(y))
	}
	// After a quick sweep the remembered object goes back to the queued
	// state so the barrier does not fire again.
	if o.tagged().bits() != bitsMarked {
		t.Fatalf("remset object bits = %d after quick sweep, want marked", o.tagged().bits())
	}
	found := false
	for _, v := range m.remset {
		if v == o {
			found = true
		}
	}
	if !found {
		t.Fatal("old object fell off the remembered set")
	}
}

// TestWeakRef checks the weak reference law: marked target preserved,
// unmarked target replaced by the sentinel.
func TestWeakRef(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	kept := m.Alloc(16, bt)
	dropped := m.Alloc(16, bt)
	wrKept := m.NewWeakRef(kept)
	wrDropped := m.NewWeakRef(dropped)
	roots.vals = []Value{kept, wrKept, wrDropped}

	m.Collect(CollectionAuto)

	if WeakRefValue(wrKept) != kept {
		t.Fatal("weak reference to live object was cleared")
	}
	if WeakRefValue(wrDropped) != h.Nothing() {
		t.Fatalf("weak reference to dead object = %#x, want sentinel", uintptr(WeakRefValue(wrDropped)))
	}
}

// TestObjArrayMarking roots only an object array; its elements must
// survive.
func TestObjArrayMarking(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	arrT := &Type{Name: "objarray", Kind: KindObjArray}
	h.RegisterType(arrT)

	const n = 8
	arr := m.Alloc((n+1)*wordSize, arrT)
	*(*uintptr)(unsafe.Pointer(arr)) = n
	elems := make([]Value, n)
	for i := range elems {
		elems[i] = m.Alloc(16, bt)
		*(*Value)(unsafe.Pointer(uintptr(arr) + wordSize + uintptr(i)*wordSize)) = elems[i]
	}
	roots.vals = []Value{arr}

	m.Collect(CollectionAuto)

	for i, e := range elems {
		if TypeOf(e) != bt {
			t.Fatalf("array element %d did not survive", i)
		}
	}
}

// TestMallocArraySweep tracks an array with an external buffer and expects
// the buffer freed once the array dies.
func TestMallocArraySweep(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	arrT := &Type{Name: "array", Size: unsafe.Sizeof(array{}), Kind: KindArray}
	h.RegisterType(arrT)

	a := m.Alloc(arrT.Size, arrT)
	buf := m.ManagedMalloc(4096)
	arr := arrayOf(a)
	arr.data = uintptr(buf)
	arr.length = 4096
	arr.flags = arrayHowMalloc | arrayFlagAligned
	arr.elsize = 1
	arr.offset = 0
	arr.maxsize = 4096
	m.TrackMallocArray(a)
	roots.vals = []Value{a}

	m.Collect(CollectionAuto)
	if m.mallocArrays == nil || m.mallocArrays.a != a {
		t.Fatal("tracked array dropped while alive")
	}

	roots.vals = nil
	before := h.num.FreeCall
	m.Collect(CollectionAuto)
	if h.num.FreeCall != before+1 {
		t.Fatalf("freecall delta = %d, want 1", h.num.FreeCall-before)
	}
	if m.mallocArrays != nil {
		t.Fatal("dead tracked array still on the list")
	}
	if m.maFreelist == nil {
		t.Fatal("tracking node not returned to the free list")
	}
}

// TestModuleBindings marks a module object: the binding table and the bound
// values must survive through the table walk.
func TestModuleBindings(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{})
	bt := bytesType(h, 16)
	modT := &Type{Name: "module", Size: unsafe.Sizeof(module{}), Kind: KindModule}
	h.RegisterType(modT)

	bound := m.Alloc(16, bt)
	bcell := m.AllocBuffer(unsafe.Sizeof(binding{}))
	bd := (*binding)(unsafe.Pointer(bcell))
	bd.name = 1
	bd.value = bound
	bd.globalref = 0

	table := m.AllocBuffer(4 * wordSize)
	slots := (*[4]uintptr)(unsafe.Pointer(table))
	slots[0] = 0
	slots[1] = uintptr(bcell)
	slots[2] = 0
	slots[3] = htNotFound

	mod := m.Alloc(modT.Size, modT)
	md := moduleOf(mod)
	md.bindings = uintptr(table)
	md.bindingsSize = 4
	md.parent = 0
	md.usingsItems = 0
	md.usingsLen = 0
	roots.vals = []Value{mod}

	m.Collect(CollectionAuto)

	if TypeOf(bound) != bt {
		t.Fatal("bound value did not survive")
	}
	if bd.value != bound {
		t.Fatal("binding cell corrupted")
	}
	if slots[1] != uintptr(bcell) {
		t.Fatal("binding table corrupted")
	}
}

// TestParallelMark runs the same liveness check with four markers draining
// work-stealing deques.
func TestParallelMark(t *testing.T) {
	h, m, roots := newTestHeap(t, Config{Markers: 4})
	pt := pairType(h)
	const n = 10000
	var head Value
	for i := 0; i < n; i++ {
		node := m.Alloc(pt.Size, pt)
		*pairField(node, 0) = head
		*pairField(node, 1) = 0
		head = node
	}
	roots.vals = []Value{head}

	m.Collect(CollectionFull)

	count := 0
	for v := head; v != 0; v = *pairField(v, 0) {
		if TypeOf(v) != pt {
			t.Fatalf("node %d lost its header", count)
		}
		count++
	}
	if count != n {
		t.Fatalf("walked %d nodes, want %d", count, n)
	}
}

// TestSafepointParksMutator checks that a second mutator parked in a safe
// region does not block collection.
func TestSafepointParksMutator(t *testing.T) {
	h, m, _ := newTestHeap(t, Config{})
	m2 := h.NewMutator()
	old := m2.EnterSafeRegion()
	m.Collect(CollectionAuto)
	m2.LeaveSafeRegion(old)
	if h.Num().Pause == 0 {
		t.Fatal("collection did not run with a parked peer")
	}
}
