package gc

import (
	"errors"
	"unsafe"
)

// ErrOutOfMemory is thrown (as a panic value) when the OS refuses memory for
// a page, big-object, or permanent request.
var ErrOutOfMemory = errors.New("gc: out of memory")

// ErrSizeOverflow is thrown when a requested size wraps once the header and
// alignment padding are added.
var ErrSizeOverflow = errors.New("gc: allocation size overflow")

// bigVal is the header preceding every big object. Headers are cache-line
// sized and aligned so the payload starts on a cache line. prev points at
// the next field of the previous node (or the list head), giving O(1)
// unlink.
type bigVal struct {
	next *bigVal
	prev **bigVal
	// sz holds the allocation size in its upper bits; the low two bits are
	// the age. Readers must mask with ^3.
	sz uintptr
	_  [cacheLineSize - 4*wordSize]byte
	// header is the tagged-value header, so big objects expose the same
	// header access as pool objects.
	header uintptr
}

const bigValHeaderOffset = unsafe.Offsetof(bigVal{}.header)

func bigValHeader(o *taggedValue) *bigVal {
	return (*bigVal)(unsafe.Pointer(uintptr(unsafe.Pointer(o)) - bigValHeaderOffset))
}

func (b *bigVal) tagged() *taggedValue {
	return (*taggedValue)(unsafe.Pointer(&b.header))
}

func (b *bigVal) size() uintptr { return b.sz &^ 3 }
func (b *bigVal) age() uintptr  { return b.sz & 3 }

func (b *bigVal) setAge(age uintptr) {
	b.sz = b.sz&^3 | age&3
}

func bigLink(hdr *bigVal, list **bigVal) {
	hdr.next = *list
	hdr.prev = list
	if *list != nil {
		(*list).prev = &hdr.next
	}
	*list = hdr
}

func bigUnlink(hdr *bigVal) {
	*hdr.prev = hdr.next
	if hdr.next != nil {
		hdr.next.prev = hdr.prev
	}
}

func alignUp(sz, align uintptr) uintptr {
	return (sz + align - 1) &^ (align - 1)
}

// Alloc allocates a managed object of sz payload bytes, dispatching between
// the pool and big-object paths, and stamps the header with typ. The mark
// bits of a pool object start clean and a big object starts old; the payload
// is not zeroed.
func (m *Mutator) Alloc(sz uintptr, typ *Type) Value {
	allocsz := sz + headerSize
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	if sz <= maxSmallSize {
		klass, osize := sizeClass(allocsz)
		v := m.poolAlloc(&m.pools[klass], osize)
		v.tagged().header = uintptr(unsafe.Pointer(typ)) | bitsClean
		return v
	}
	// Big objects are born old.
	v := m.bigAlloc(allocsz)
	v.tagged().header = uintptr(unsafe.Pointer(typ)) | bitsOld
	return v
}

// AllocSmall is the pool-only variant of Alloc; sz must not exceed
// MaxInternalObjSize.
func (m *Mutator) AllocSmall(sz uintptr, typ *Type) Value {
	if gcAsserts && sz > maxSmallSize {
		gcPanic("gc: AllocSmall request over the pool limit")
	}
	klass, osize := sizeClass(sz + headerSize)
	v := m.poolAlloc(&m.pools[klass], osize)
	v.tagged().header = uintptr(unsafe.Pointer(typ)) | bitsClean
	return v
}

// AllocBig is the big-object variant of Alloc.
func (m *Mutator) AllocBig(sz uintptr, typ *Type) Value {
	allocsz := sz + headerSize
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	v := m.bigAlloc(allocsz)
	v.tagged().header = uintptr(unsafe.Pointer(typ)) | bitsOld
	return v
}

// AllocBuffer allocates an untyped managed buffer (array storage, binding
// cells, exception stacks). Buffers are marked through their referencing
// object and never scanned.
func (m *Mutator) AllocBuffer(sz uintptr) Value {
	allocsz := sz + headerSize
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	if sz <= maxSmallSize {
		klass, osize := sizeClass(allocsz)
		v := m.poolAlloc(&m.pools[klass], osize)
		v.tagged().header = buffTag | bitsClean
		return v
	}
	v := m.bigAlloc(allocsz)
	v.tagged().header = buffTag | bitsOld
	return v
}

// poolAlloc serves one cell of osize bytes from p. Fast path pops the
// freelist; then the bump chain; then a fresh page. The size includes the
// header and the tag is not cleared here.
func (m *Mutator) poolAlloc(p *pool, osize uintptr) Value {
	m.maybeCollect()
	m.allocd.Add(int64(osize))
	m.npoolalloc.Add(1)

	v := p.freelist
	if v != nil {
		next := v.next()
		p.freelist = next
		if pageData(uintptr(unsafe.Pointer(v))) != pageData(uintptr(unsafe.Pointer(next))) {
			// The freelist moved to another page: only now touch the page
			// metadata, since it is likely not in cache.
			pg := m.heap.pageMetadata(uintptr(unsafe.Pointer(v)))
			if gcAsserts && uintptr(pg.osize) != osize {
				gcPanic("gc: freelist cell of the wrong size class")
			}
			pg.nfree = 0
			pg.hasYoung = 1
		}
		return v.value()
	}

	// Freelist empty: bump into the first page of the newpages chain.
	v = p.newpages
	var next *taggedValue
	if v != nil {
		next = (*taggedValue)(unsafe.Pointer(uintptr(unsafe.Pointer(v)) + osize))
	}
	if v == nil || pageData(uintptr(unsafe.Pointer(v))-1)+PageSize < uintptr(unsafe.Pointer(next)) {
		if v != nil {
			// Current bump page is used up; like the freelist case, only
			// update the page metadata when the page is full.
			cur := pageData(uintptr(unsafe.Pointer(v)) - 1)
			pg := m.heap.pageMetadata(uintptr(unsafe.Pointer(v)) - 1)
			pg.nfree = 0
			pg.hasYoung = 1
			// The first word of the page links the next empty page.
			v = (*taggedValue)(unsafe.Pointer(*(*uintptr)(unsafe.Pointer(cur))))
		}
		// Not an else: the chain may have been empty too.
		if v == nil {
			v = m.addPage(p)
		}
		next = (*taggedValue)(unsafe.Pointer(uintptr(unsafe.Pointer(v)) + osize))
	}
	p.newpages = next
	return v.value()
}

// resetPage readies a page for allocation by the pool and threads it into
// an existing empty-page chain. The reset page is inserted after the chain's
// first page, so objects are only ever bump-allocated from the first page;
// the conservative base-pointer lookup relies on that.
func (m *Mutator) resetPage(p *pool, pg *pageMeta, fl *taggedValue) *taggedValue {
	if gcAsserts && pageOffset < wordSize {
		gcPanic("gc: page offset too small for the chain link")
	}
	pg.nfree = uint16((PageSize - pageOffset) / uintptr(p.osize))
	pg.poolN = p.idx
	for i := range pg.ages {
		pg.ages[i] = 0
	}
	beg := (*taggedValue)(unsafe.Pointer(pg.data + pageOffset))
	link := (*uintptr)(unsafe.Pointer(pg.data))
	if fl == nil {
		*link = 0
	} else {
		flLink := (*uintptr)(unsafe.Pointer(pageData(uintptr(unsafe.Pointer(fl)))))
		*link = *flLink
		*flLink = uintptr(unsafe.Pointer(beg))
		beg = fl
	}
	pg.hasYoung = 0
	pg.hasMarked = 0
	pg.flBeginOffset = flOffsetNone
	pg.flEndOffset = flOffsetNone
	return beg
}

// addPage fetches a page from the page allocator and makes it the pool's
// bump target. Discards nothing: the previous chain was empty.
func (m *Mutator) addPage(p *pool) *taggedValue {
	pg := m.heap.allocPage()
	pg.osize = p.osize
	cells := (PageSize - pageOffset) / uintptr(p.osize)
	if pg.ages == nil || uintptr(len(pg.ages)) < (cells+31)/32 {
		pg.ages = make([]uint32, (cells+31)/32)
	}
	pg.threadN = uint16(m.tid)
	fl := m.resetPage(p, pg, nil)
	p.newpages = fl
	return fl
}

// bigAlloc allocates sz bytes (header included, tag not cleared) on the
// big-object path. Big objects are born old with a saturated age, so full
// sweeps do not walk them more than once.
func (m *Mutator) bigAlloc(sz uintptr) Value {
	h := m.heap
	m.maybeCollect()
	offs := bigValHeaderOffset
	allocsz := alignUp(sz+offs, cacheLineSize)
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	p := h.osAlloc(allocsz)
	if p == 0 {
		panic(ErrOutOfMemory)
	}
	v := (*bigVal)(unsafe.Pointer(p))
	h.callbacks.notifyExternalAlloc(unsafe.Pointer(v), allocsz)
	m.allocd.Add(int64(allocsz))
	m.nbigalloc.Add(1)
	v.sz = allocsz
	v.setAge(promoteAge)
	v.tagged().setBits(bitsOld)
	bigLink(v, &m.bigObjects)
	return v.tagged().value()
}

// AllocString allocates a managed string of length sz. The payload is the
// length word, sz bytes, and a terminating NUL.
func (m *Mutator) AllocString(sz uintptr) Value {
	strsz := sz + wordSize + 1
	if strsz <= sz {
		panic(ErrSizeOverflow)
	}
	var v Value
	if strsz <= maxSmallSize {
		klass, osize := sizeClass(strsz + headerSize)
		v = m.poolAlloc(&m.pools[klass], osize)
		v.tagged().header = uintptr(unsafe.Pointer(m.heap.stringType)) | bitsClean
	} else {
		v = m.bigAlloc(strsz + headerSize)
		v.tagged().header = uintptr(unsafe.Pointer(m.heap.stringType)) | bitsOld
	}
	*(*uintptr)(unsafe.Pointer(v)) = sz
	*(*byte)(unsafe.Pointer(uintptr(v) + wordSize + sz)) = 0
	return v
}

// StringLen returns the length word of a managed string.
func StringLen(s Value) uintptr {
	return *(*uintptr)(unsafe.Pointer(s))
}

// StringBytes returns the payload of a managed string.
func StringBytes(s Value) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(s)+wordSize)), StringLen(s))
}

// ReallocString grows a string, in place when it can. Small or marked
// strings are copied into a fresh allocation. A big unmarked string is
// reallocated in place: the old backing block is freed even though callers
// might still hold aliases, so the caller is responsible for dropping every
// old reference first.
func (m *Mutator) ReallocString(s Value, sz uintptr) Value {
	length := StringLen(s)
	if sz <= length {
		return s
	}
	h := m.heap
	tv := s.tagged()
	strsz := length + wordSize + 1
	if strsz <= maxSmallSize || gcMarked(tv.bits()) {
		// Pool allocated; can't be grown in place so allocate a new object.
		snew := m.AllocString(sz)
		memmove(uintptr(snew)+wordSize, uintptr(s)+wordSize, length)
		return snew
	}
	newsz := sz + wordSize + 1
	offs := bigValHeaderOffset + headerSize
	oldsz := alignUp(strsz+offs, cacheLineSize)
	allocsz := alignUp(newsz+offs, cacheLineSize)
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	hdr := bigValHeader(tv)
	// Don't let this happen in the middle of the realloc below.
	m.maybeCollect()
	bigUnlink(hdr)
	m.countManagedRealloc(allocsz, oldsz, s)
	nb := h.osReallocAligned(uintptr(unsafe.Pointer(hdr)), allocsz, oldsz)
	if nb == 0 {
		panic(ErrOutOfMemory)
	}
	newbig := (*bigVal)(unsafe.Pointer(nb))
	newbig.sz = allocsz
	// Big objects are allocated as old.
	newbig.setAge(promoteAge)
	newbig.tagged().setBits(bitsOld)
	bigLink(newbig, &m.bigObjects)
	snew := newbig.tagged().value()
	*(*uintptr)(unsafe.Pointer(snew)) = sz
	return snew
}

// NewWeakRef allocates a weak reference to v. The referent is not traced;
// once it becomes unreachable the slot is reset to the Nothing sentinel.
func (m *Mutator) NewWeakRef(v Value) Value {
	wr := m.AllocSmall(wordSize, m.heap.weakRefType)
	*(*Value)(unsafe.Pointer(wr)) = v
	m.weakRefs = append(m.weakRefs, wr)
	return wr
}

// WeakRefValue reads the referent of a weak reference.
func WeakRefValue(wr Value) Value {
	return *(*Value)(unsafe.Pointer(wr))
}

// ManagedMalloc allocates a tracked external buffer for array storage. The
// buffer is not an object; it is freed by sweep when its owning array dies.
func (m *Mutator) ManagedMalloc(sz uintptr) unsafe.Pointer {
	m.maybeCollect()
	allocsz := alignUp(sz, cacheLineSize)
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	m.allocd.Add(int64(allocsz))
	m.nmalloc.Add(1)
	b := m.heap.osAlloc(allocsz)
	if b == 0 {
		panic(ErrOutOfMemory)
	}
	return unsafe.Pointer(b)
}

func (m *Mutator) countManagedRealloc(allocsz, oldsz uintptr, owner Value) {
	if owner.tagged().bits() == bitsOldMarked {
		m.cache.permScannedBytes += int64(allocsz) - int64(oldsz)
		m.heap.liveBytes += int64(allocsz) - int64(oldsz)
	} else if allocsz < oldsz {
		m.freed.Add(int64(oldsz - allocsz))
	} else {
		m.allocd.Add(int64(allocsz - oldsz))
	}
	m.nrealloc.Add(1)
}

// ManagedRealloc resizes a buffer from ManagedMalloc, accounting the delta
// against the owner's generation.
func (m *Mutator) ManagedRealloc(d unsafe.Pointer, sz, oldsz uintptr, owner Value) unsafe.Pointer {
	m.maybeCollect()
	allocsz := alignUp(sz, cacheLineSize)
	if allocsz < sz {
		panic(ErrSizeOverflow)
	}
	oldallocsz := alignUp(oldsz, cacheLineSize)
	m.countManagedRealloc(allocsz, oldallocsz, owner)
	b := m.heap.osReallocAligned(uintptr(d), allocsz, oldallocsz)
	if b == 0 {
		panic(ErrOutOfMemory)
	}
	return unsafe.Pointer(b)
}

// TrackMallocArray registers an array whose data field points at a
// ManagedMalloc buffer, so sweep can free the buffer when the array dies.
// This is NOT a safepoint.
func (m *Mutator) TrackMallocArray(a Value) {
	var ma *mallocArray
	if m.maFreelist == nil {
		ma = &mallocArray{}
	} else {
		ma = m.maFreelist
		m.maFreelist = ma.next
	}
	ma.a = a
	ma.next = m.mallocArrays
	m.mallocArrays = ma
}

// CountedMalloc allocates raw bytes, accounted against the collection
// budget so external allocation pressure still triggers collections.
func (m *Mutator) CountedMalloc(sz uintptr) unsafe.Pointer {
	m.maybeCollect()
	m.allocd.Add(int64(sz))
	m.nmalloc.Add(1)
	b := m.heap.osAlloc(sz)
	if b == 0 {
		return nil
	}
	return unsafe.Pointer(b)
}

// CountedFree releases a CountedMalloc region of the given size.
func (m *Mutator) CountedFree(p unsafe.Pointer, sz uintptr) {
	m.heap.osFree(uintptr(p), sz)
	m.freed.Add(int64(sz))
	m.nfreecall.Add(1)
}

// CountedRealloc resizes a CountedMalloc region, accounting the delta.
func (m *Mutator) CountedRealloc(p unsafe.Pointer, oldsz, sz uintptr) unsafe.Pointer {
	m.maybeCollect()
	if sz < oldsz {
		m.freed.Add(int64(oldsz - sz))
	} else {
		m.allocd.Add(int64(sz - oldsz))
	}
	m.nrealloc.Add(1)
	b := m.heap.osReallocAligned(uintptr(p), sz, oldsz)
	if b == 0 {
		return nil
	}
	return unsafe.Pointer(b)
}

// ScheduleForeignSweep arranges for obj's type SweepFunc to run when obj is
// swept unmarked.
func (m *Mutator) ScheduleForeignSweep(obj Value) {
	m.sweepObjs = append(m.sweepObjs, obj)
}
