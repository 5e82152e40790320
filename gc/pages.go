package gc

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Pages are sourced from the OS in blocks to permit faster allocation and
// improve memory locality of the pools: 4096 pages, 64 MiB per request.
const defaultBlockPgAlloc = 4096

// pageMeta is the out-of-band metadata of one pool page.
type pageMeta struct {
	// index of the pool that owns this page, within its mutator
	poolN uint8
	// threadN is the id of the mutator heap that owns this page.
	threadN uint16

	// hasMarked is set while any cell in the page is marked. It is set
	// before sweeping iff there are live cells in the page; after sweeping
	// there can be live (and young) cells in a page with !hasMarked.
	hasMarked uint32
	// hasYoung records whether any cell was live and young before
	// sweeping. For a quick sweep following a full sweep a clear bit does
	// not prove the page clean; nold/prevNold decide then.
	hasYoung uint32

	// nold counts old objects marked in this page this cycle; prevNold is
	// the count at the previous full sweep.
	nold     uint32
	prevNold uint32

	// nfree is the number of free cells. Invalid while the owning pool is
	// allocating from this page.
	nfree uint16
	osize uint16

	// Offsets of the first and last free cell, or flOffsetNone.
	flBeginOffset uint16
	flEndOffset   uint16

	data uintptr

	// ages holds one bit per cell: set = the cell survived the last sweep,
	// clear = freelist cell or allocated since.
	ages []uint32

	// next links this page into a global page pool.
	next *pageMeta
}

const flOffsetNone = ^uint16(0)

func cellAt(data, off uintptr) unsafe.Pointer {
	return unsafe.Pointer(data + pageOffset + off)
}

func (pg *pageMeta) ageBit(objID uintptr) bool {
	return pg.ages[objID/32]&(1<<(objID%32)) != 0
}

func (pg *pageMeta) setAgeBit(objID uintptr) {
	pg.ages[objID/32] |= 1 << (objID % 32)
}

func (pg *pageMeta) clearAgeBit(objID uintptr) {
	pg.ages[objID/32] &^= 1 << (objID % 32)
}

// atomicClearAgeBit is the mark-phase variant; markers race on neighboring
// bits of the same word.
func (pg *pageMeta) atomicClearAgeBit(objID uintptr) {
	p := &pg.ages[objID/32]
	mask := ^(uint32(1) << (objID % 32))
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&mask) {
			return
		}
	}
}

// The complete address space is divided up into a three-level page table.
// The levels cover the address bits above the page offset: 16 + 16 + 18 on
// 64-bit. Each level carries a 32-bit-word bitmap of which children are in
// use, walked with count-trailing-zeros during sweep.

const (
	region0Bits  = 16
	region1Bits  = 16
	region2Bits  = 18
	region0Count = 1 << region0Bits
	region1Count = 1 << region1Bits
	region2Count = 1 << region2Bits
)

func region0Index(p uintptr) uint {
	return uint(p>>pageLg2) & (region0Count - 1)
}

func region1Index(p uintptr) uint {
	return uint(p>>(pageLg2+region0Bits)) & (region1Count - 1)
}

func region2Index(p uintptr) uint {
	return uint(p>>(pageLg2+region0Bits+region1Bits)) & (region2Count - 1)
}

type pagetable0 struct {
	meta     [region0Count]*pageMeta
	allocmap [region0Count / 32]uint32
	// lower bound of the first used word, upper bound of the last
	lb, ub int
}

type pagetable1 struct {
	meta0     [region1Count]*pagetable0
	allocmap0 [region1Count / 32]uint32
	lb, ub    int
}

type pagetable struct {
	meta1     [region2Count]*pagetable1
	allocmap1 [region2Count / 32]uint32
	lb, ub    int
}

// pageMetadata returns the metadata of the page containing p, or nil if the
// address was never a pool page. The entry persists after a page is freed;
// the allocmap bit tells whether it is live.
func (h *Heap) pageMetadata(p uintptr) *pageMeta {
	r1 := h.memoryMap.meta1[region2Index(p)]
	if r1 == nil {
		return nil
	}
	r0 := r1.meta0[region1Index(p)]
	if r0 == nil {
		return nil
	}
	return r0.meta[region0Index(p)]
}

// allocMapInstall creates the table path for a page and stores its metadata
// pointer. Caller holds allocMapLock.
func (h *Heap) allocMapInstall(pg *pageMeta) {
	i2 := region2Index(pg.data)
	r1 := h.memoryMap.meta1[i2]
	if r1 == nil {
		r1 = new(pagetable1)
		h.memoryMap.meta1[i2] = r1
	}
	i1 := region1Index(pg.data)
	r0 := r1.meta0[i1]
	if r0 == nil {
		r0 = new(pagetable0)
		r1.meta0[i1] = r0
	}
	r0.meta[region0Index(pg.data)] = pg
}

// allocMapSet flips the in-use bit of a page. Setting it also raises the
// parent bits so sweep will visit the subtree; sweep itself lowers parent
// bits once it proves a subtree empty.
func (h *Heap) allocMapSet(data uintptr, used bool) {
	h.allocMapLock.Lock()
	defer h.allocMapLock.Unlock()
	i2 := region2Index(data)
	r1 := h.memoryMap.meta1[i2]
	i1 := region1Index(data)
	r0 := r1.meta0[i1]
	i0 := region0Index(data)
	if used {
		r0.allocmap[i0/32] |= 1 << (i0 % 32)
		r1.allocmap0[i1/32] |= 1 << (i1 % 32)
		h.memoryMap.allocmap1[i2/32] |= 1 << (i2 % 32)
	} else {
		r0.allocmap[i0/32] &^= 1 << (i0 % 32)
	}
}

func (h *Heap) allocMapIsSet(data uintptr) bool {
	h.allocMapLock.Lock()
	defer h.allocMapLock.Unlock()
	r1 := h.memoryMap.meta1[region2Index(data)]
	if r1 == nil {
		return false
	}
	r0 := r1.meta0[region1Index(data)]
	if r0 == nil {
		return false
	}
	i0 := region0Index(data)
	return r0.allocmap[i0/32]&(1<<(i0%32)) != 0
}

// pagePool is one of the three global stacks of idle pages.
type pagePool struct {
	lock sync.Mutex
	back *pageMeta
}

func (pp *pagePool) push(pg *pageMeta) {
	pp.lock.Lock()
	pg.next = pp.back
	pp.back = pg
	pp.lock.Unlock()
}

func (pp *pagePool) pop() *pageMeta {
	pp.lock.Lock()
	pg := pp.back
	if pg != nil {
		pp.back = pg.next
		pg.next = nil
	}
	pp.lock.Unlock()
	return pg
}

// tryAllocBlock maps a block of pages from the OS, aligned to PageSize.
// Returns 0 on failure.
func (h *Heap) tryAllocBlock() uintptr {
	pagesSz := uintptr(PageSize * h.blockPgCnt)
	if PageSize > h.osPageSize {
		pagesSz += PageSize
	}
	mem := h.osAlloc(pagesSz)
	if mem == 0 {
		return 0
	}
	if PageSize > h.osPageSize {
		// round up to the nearest page boundary if mmap didn't already
		mem = pageData(mem + PageSize - 1)
	}
	return mem
}

// allocPage returns a usable page: recycled from the global pools in the
// order clean, to-madvise, madvised, or freshly mapped. Panics with
// ErrOutOfMemory when the OS refuses more memory.
func (h *Heap) allocPage() *pageMeta {
	if pg := h.poolClean.pop(); pg != nil {
		h.allocMapSet(pg.data, true)
		return pg
	}
	if pg := h.poolToMadvise.pop(); pg != nil {
		h.allocMapSet(pg.data, true)
		return pg
	}
	if pg := h.poolMadvised.pop(); pg != nil {
		// page is still mapped, contents may have been dropped
		h.allocMapSet(pg.data, true)
		return pg
	}

	// must map a new set of pages
	data := h.tryAllocBlock()
	if data == 0 {
		panic(ErrOutOfMemory)
	}
	metas := make([]pageMeta, h.blockPgCnt)
	h.allocMapLock.Lock()
	for i := range metas {
		pg := &metas[i]
		pg.data = data + uintptr(i)*PageSize
		h.allocMapInstall(pg)
	}
	h.allocMapLock.Unlock()
	h.allocMapSet(metas[0].data, true)
	for i := 1; i < len(metas); i++ {
		h.poolClean.push(&metas[i])
	}
	return &metas[0]
}

// freePage marks a page as not in use and hints the OS that its contents
// are dead. When the collector pages are smaller than an OS page, release
// only happens once every sibling in the same OS page is free, so no more
// memory than intended is given back.
func (h *Heap) freePage(pg *pageMeta) {
	p := pg.data
	h.allocMapSet(p, false)
	decommit := uintptr(PageSize)
	if PageSize < h.osPageSize {
		nPages := h.osPageSize / PageSize // exact division
		decommit = h.osPageSize
		other := p &^ (h.osPageSize - 1)
		p = other
		for ; nPages > 0; nPages-- {
			if h.allocMapIsSet(other) {
				// A sibling is still live: keep the OS page mapped and
				// park this page unmadvised.
				h.poolToMadvise.push(pg)
				return
			}
			other += PageSize
		}
	}
	h.madvise(p, decommit)
	h.poolMadvised.push(pg)
}

// madviseIdlePages flushes the to-madvise pool, used by the trim pass when
// resident growth crossed the threshold.
func (h *Heap) madviseIdlePages() {
	for {
		pg := h.poolToMadvise.pop()
		if pg == nil {
			return
		}
		if !h.allocMapIsSet(pg.data) {
			h.madvise(pg.data, PageSize)
		}
		h.poolMadvised.push(pg)
	}
}

// trailingZeros32 is the sweep iterator's bit scanner.
func trailingZeros32(x uint32) int {
	return bits.TrailingZeros32(x)
}
