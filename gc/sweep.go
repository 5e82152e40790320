package gc

import (
	"unsafe"
)

// Sweep phase. Runs stop-the-world after marking, in a fixed order: weak
// references, task stacks (external), foreign objects, malloc'd array
// buffers, big objects, pool pages, and on a full sweep the permanent-arena
// callbacks.

// clearWeakRefs nulls the referent of every weak reference whose target was
// not marked, replacing it with the canonical sentinel.
func (h *Heap) clearWeakRefs() {
	for _, m2 := range h.mutators {
		for _, wr := range m2.weakRefs {
			ref := *(*Value)(unsafe.Pointer(wr))
			if ref != 0 && !gcMarked(ref.tagged().bits()) {
				*(*Value)(unsafe.Pointer(wr)) = h.nothing
			}
		}
	}
}

// sweepWeakRefs compacts each mutator's weak-ref list, dropping entries
// whose weak-ref object itself died.
func (h *Heap) sweepWeakRefs() {
	for _, m2 := range h.mutators {
		l := len(m2.weakRefs)
		if l == 0 {
			continue
		}
		lst := m2.weakRefs
		n, ndel := 0, 0
		for {
			wr := lst[n]
			if gcMarked(wr.tagged().bits()) {
				n++
			} else {
				ndel++
			}
			if n >= l-ndel {
				break
			}
			lst[n], lst[n+ndel] = lst[n+ndel], lst[n]
		}
		m2.weakRefs = lst[:l-ndel]
	}
}

// incSat is the saturating age increment.
func incSat(v, s uintptr) uintptr {
	if v >= s {
		return s
	}
	return v + 1
}

// sweepBigList culls one big-object list, freeing unmarked entries and
// promoting or demoting survivors. Returns the address of the last next
// field in the culled list.
func (h *Heap) sweepBigList(sweepFull bool, pv **bigVal) **bigVal {
	v := *pv
	for v != nil {
		nxt := v.next
		bits := v.tagged().bits()
		if gcMarked(bits) {
			pv = &v.next
			age := v.age()
			if age >= promoteAge || bits == bitsOldMarked {
				if sweepFull || bits == bitsMarked {
					bits = bitsOld
				}
			} else {
				v.setAge(incSat(age, promoteAge))
				bits = bitsClean
			}
			v.tagged().setBits(bits)
		} else {
			// Remove v from the list and free it.
			*pv = nxt
			if nxt != nil {
				nxt.prev = pv
			}
			sz := v.size()
			h.num.Freed += int64(sz)
			h.callbacks.notifyExternalFree(unsafe.Pointer(v))
			h.osFree(uintptr(unsafe.Pointer(v)), sz)
		}
		v = nxt
	}
	return pv
}

// sweepBig sweeps every mutator's live list; on a full sweep the global
// marked list is culled too and its survivors spliced back into the
// collecting mutator's list.
func (h *Heap) sweepBig(m *Mutator, sweepFull bool) {
	for _, m2 := range h.mutators {
		h.sweepBigList(sweepFull, &m2.bigObjects)
	}
	if sweepFull {
		lastNext := h.sweepBigList(sweepFull, &h.bigObjectsMarked)
		// Move all survivors from the marked list into the live list.
		if m.bigObjects != nil {
			m.bigObjects.prev = lastNext
		}
		*lastNext = m.bigObjects
		m.bigObjects = h.bigObjectsMarked
		if m.bigObjects != nil {
			m.bigObjects.prev = &m.bigObjects
		}
		h.bigObjectsMarked = nil
	}
}

// freeArray releases the malloc'd buffer behind a dead array.
func (h *Heap) freeArray(a Value) {
	arr := arrayOf(a)
	if arr.how() == arrayHowMalloc {
		d := arr.bufBase()
		h.osFree(d, alignUp(arr.nbytes(), cacheLineSize))
		h.num.Freed += int64(arr.nbytes())
		h.num.FreeCall++
	}
}

// sweepMallocedArrays frees the buffers of unmarked tracked arrays and
// returns their tracking nodes to the free list.
func (h *Heap) sweepMallocedArrays() {
	for _, m2 := range h.mutators {
		ma := m2.mallocArrays
		pma := &m2.mallocArrays
		for ma != nil {
			nxt := ma.next
			bits := ma.a.tagged().bits()
			if gcMarked(bits) {
				pma = &ma.next
			} else {
				*pma = nxt
				if gcAsserts && arrayOf(ma.a).how() != arrayHowMalloc {
					gcPanic("gc: tracked array without a malloc'd buffer")
				}
				h.freeArray(ma.a)
				ma.next = m2.maFreelist
				m2.maFreelist = ma
			}
			ma = nxt
		}
	}
}

// sweepForeignObjs dispatches the per-type sweep function for unmarked
// scheduled objects and compacts the lists.
func (h *Heap) sweepForeignObjs() {
	for _, m2 := range h.mutators {
		p := 0
		for _, v := range m2.sweepObjs {
			typ := TypeOf(v)
			if !gcMarked(v.tagged().bits()) {
				if typ.SweepFunc != nil {
					typ.SweepFunc(v)
				}
			} else {
				m2.sweepObjs[p] = v
				p++
			}
		}
		m2.sweepObjs = m2.sweepObjs[:p]
	}
}

// poolSyncNfree recounts the free cells remaining in the page the freelist
// currently points into; nfree is stale for the page being allocated from.
func (h *Heap) poolSyncNfree(pg *pageMeta, last *taggedValue) {
	if gcAsserts && pg.flBeginOffset == flOffsetNone {
		gcPanic("gc: freelist page without a freelist range")
	}
	curPg := pageData(uintptr(unsafe.Pointer(last)))
	// Fast path for a page that has seen no allocation.
	flBeg := (*taggedValue)(unsafe.Pointer(curPg + uintptr(pg.flBeginOffset)))
	if last == flBeg {
		return
	}
	nfree := 0
	for {
		nfree++
		last = last.next()
		if pageData(uintptr(unsafe.Pointer(last))) != curPg {
			break
		}
	}
	pg.nfree = uint16(nfree)
}

// sweepPage sweeps one page, rebuilding its freelist into the chain rooted
// at *pfl. Returns the new chain tail position and whether the page was
// given back to the page allocator.
func (h *Heap) sweepPage(p *pool, pg *pageMeta, pfl *uintptr, sweepFull bool) (*uintptr, bool) {
	data := pg.data
	osize := uintptr(pg.osize)
	oldNfree := uintptr(pg.nfree)
	var nfree uintptr

	freedPage := false
	if pg.hasMarked == 0 {
		// Whole page is dead. On quick sweeps keep a few empty pages
		// allocated, reset into the owning pool's bump chain.
		nfree = (PageSize - pageOffset) / osize
		if !sweepFull && h.lazyFreedPages <= h.interval.Load()/PageSize {
			owner := h.mutators[pg.threadN]
			p.newpages = owner.resetPage(p, pg, p.newpages)
			h.lazyFreedPages++
		} else {
			h.freePage(pg)
			freedPage = true
		}
		h.num.Freed += int64(nfree-oldNfree) * int64(osize)
		return pfl, freedPage
	}

	if !sweepFull && pg.hasYoung == 0 {
		// Quick sweep of a page with no young cells: unless a full sweep
		// demoted old objects that then died, nothing in here changed.
		if gcAsserts && h.prevSweepFull && pg.prevNold < pg.nold {
			gcPanic("gc: page gained old objects without a full sweep")
		}
		if !h.prevSweepFull || pg.prevNold == pg.nold {
			// Relink the existing freelist range.
			if pg.flBeginOffset != flOffsetNone {
				*pfl = data + uintptr(pg.flBeginOffset)
				pfl = (*uintptr)(unsafe.Pointer(data + uintptr(pg.flEndOffset)))
			}
			return pfl, false
		}
	}

	// Scan every cell.
	var (
		freedall  = true
		hasYoung  = false
		pgNfree   = uintptr(0)
		prevNold  = uint32(0)
		flBegin   *uintptr
		flEnd     *uintptr
	)
	v := data + pageOffset
	lim := data + PageSize - osize
	objID := uintptr(0)
	for ; v <= lim; v, objID = v+osize, objID+1 {
		tv := (*taggedValue)(unsafe.Pointer(v))
		bits := tv.bits()
		// Past a quick sweep an unmarked cell is either dead or was never
		// an object; marked cells are young or old survivors.
		if !gcMarked(bits) {
			*pfl = v
			pfl = (*uintptr)(unsafe.Pointer(v))
			if flBegin == nil {
				flBegin = pfl
			}
			flEnd = pfl
			pgNfree++
			pg.clearAgeBit(objID)
		} else {
			if pg.ageBit(objID) || bits == bitsOldMarked {
				// Old enough. A clear age bit with old+marked happens for
				// cells marked through ForceMarkOld before ever surviving
				// a sweep.
				if sweepFull || bits == bitsMarked {
					tv.setBits(bitsOld) // promote
				}
				prevNold++
			} else {
				if gcAsserts && bits != bitsMarked {
					gcPanic("gc: unexpected mark bits in page sweep")
				}
				tv.setBits(bitsClean) // unmark
				hasYoung = true
			}
			pg.setAgeBit(objID)
			freedall = false
		}
	}

	if hasYoung {
		pg.hasYoung = 1
	} else {
		pg.hasYoung = 0
	}
	if freedall {
		pg.hasMarked = 0
	} else {
		pg.hasMarked = 1
	}
	if flBegin != nil {
		pg.flBeginOffset = uint16(uintptr(unsafe.Pointer(flBegin)) - data)
		pg.flEndOffset = uint16(uintptr(unsafe.Pointer(flEnd)) - data)
	} else {
		pg.flBeginOffset = flOffsetNone
		pg.flEndOffset = flOffsetNone
	}
	pg.nfree = uint16(pgNfree)
	if sweepFull {
		pg.nold = 0
		pg.prevNold = prevNold
	}
	nfree = pgNfree
	h.num.Freed += int64(nfree-oldNfree) * int64(osize)
	return pfl, false
}

// sweepPoolPage routes one page to its pool's freelist chain.
func (h *Heap) sweepPoolPage(pfls []*uintptr, pg *pageMeta, sweepFull bool) bool {
	idx := int(pg.threadN)*numSizeClasses + int(pg.poolN)
	p := &h.mutators[pg.threadN].pools[pg.poolN]
	newPfl, freed := h.sweepPage(p, pg, pfls[idx], sweepFull)
	pfls[idx] = newPfl
	return freed
}

// sweepPoolPagetable0 sweeps a leaf table; reports whether any pages remain
// allocated under it.
func (h *Heap) sweepPoolPagetable0(pfls []*uintptr, t0 *pagetable0, sweepFull bool) bool {
	any := false
	for i32 := range t0.allocmap {
		line := t0.allocmap[i32]
		for line != 0 {
			j := trailingZeros32(line)
			line &^= 1 << j
			pg := t0.meta[i32*32+j]
			if !h.sweepPoolPage(pfls, pg, sweepFull) {
				any = true
			}
		}
	}
	return any
}

// sweepPoolPagetable1 sweeps a middle table, clearing the bits of subtrees
// proven empty so future sweeps skip them.
func (h *Heap) sweepPoolPagetable1(pfls []*uintptr, t1 *pagetable1, sweepFull bool) bool {
	any := false
	for i32 := range t1.allocmap0 {
		line := t1.allocmap0[i32]
		for line != 0 {
			j := trailingZeros32(line)
			line &^= 1 << j
			t0 := t1.meta0[i32*32+j]
			if t0 != nil && h.sweepPoolPagetable0(pfls, t0, sweepFull) {
				any = true
			} else {
				t1.allocmap0[i32] &^= 1 << j
			}
		}
	}
	return any
}

// sweepPoolPagetable walks the whole memory map with the per-level bitmaps.
func (h *Heap) sweepPoolPagetable(pfls []*uintptr, sweepFull bool) {
	mm := h.memoryMap
	for i32 := range mm.allocmap1 {
		line := mm.allocmap1[i32]
		for line != 0 {
			j := trailingZeros32(line)
			line &^= 1 << j
			t1 := mm.meta1[i32*32+j]
			if t1 == nil || !h.sweepPoolPagetable1(pfls, t1, sweepFull) {
				mm.allocmap1[i32] &^= 1 << j
			}
		}
	}
}

// sweepPool sweeps all pool pages. The pages currently targeted by a
// freelist or bump pointer get their metadata synced first; all freelists
// are then rebuilt page by page and re-rooted at the pools.
func (h *Heap) sweepPool(sweepFull bool) {
	h.lazyFreedPages = 0
	muts := h.mutators
	pfls := make([]*uintptr, len(muts)*numSizeClasses)
	for ti, m2 := range muts {
		for i := range m2.pools {
			p := &m2.pools[i]
			if last := p.freelist; last != nil {
				pg := h.pageMetadata(uintptr(unsafe.Pointer(last)))
				h.poolSyncNfree(pg, last)
				pg.hasYoung = 1
			}
			p.freelist = nil
			pfls[ti*numSizeClasses+i] = (*uintptr)(unsafe.Pointer(&p.freelist))
			if last := p.newpages; last != nil {
				lastP := uintptr(unsafe.Pointer(last))
				pg := h.pageMetadata(lastP - 1)
				pg.nfree = uint16((PageSize - (lastP - pageData(lastP-1))) / uintptr(p.osize))
				pg.hasYoung = 1
			}
			p.newpages = nil
		}
	}
	h.sweepPoolPagetable(pfls, sweepFull)
	// Null out the terminal pointers of all freelists.
	for _, pfl := range pfls {
		*pfl = 0
	}
}
