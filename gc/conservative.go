package gc

import "unsafe"

// Conservative scanning support: embedders that scan foreign stacks or
// buffers without layout information can ask whether an arbitrary interior
// pointer refers to a live pool object and recover its base.

// EnableConservativeScan turns the support on. The first call forces a full
// collection so the age bits become meaningful for telling freelist cells
// and objects apart; from then on the mark-phase age reset stays disabled
// (the two features interact). Returns whether support was already enabled.
func (h *Heap) EnableConservativeScan(m *Mutator) bool {
	if h.supportConservative.Swap(1) != 0 {
		return true
	}
	m.Collect(CollectionFull)
	return false
}

// ConservativeScanEnabled reports whether support was requested.
func (h *Heap) ConservativeScanEnabled() bool {
	return h.supportConservative.Load() != 0
}

// InternalObjBasePtr maps an arbitrary interior pointer to the base of the
// live pool object containing it, or 0. Three page states are told apart:
// a full page, the page currently bump-allocated from, and a page with a
// freelist, where the age bits (kept meaningful by conservative mode)
// distinguish freelist cells from live objects.
func (h *Heap) InternalObjBasePtr(p uintptr) Value {
	p--
	meta := h.pageMetadata(p)
	if meta == nil || meta.ages == nil {
		return 0
	}
	page := pageData(p)
	off := p - page
	if off < pageOffset {
		return 0
	}
	off2 := (off - pageOffset)
	osize := uintptr(meta.osize)
	off2 %= osize
	if off-off2+osize > PageSize {
		return 0
	}
	cell := (*taggedValue)(unsafe.Pointer(p - off2))

	validObject := func() Value {
		// Untyped buffers must not be handed to the marking functions.
		if cell.header&^bitsMask == buffTag {
			return 0
		}
		return cell.value()
	}

	if meta.nfree == 0 {
		// Case 1: full page; the cell must be an object.
		return validObject()
	}
	pool := &h.mutators[meta.threadN].pools[meta.poolN]
	if meta.flBeginOffset == flOffsetNone {
		// Case 2: a page on the newpages chain. Only the first page of the
		// chain is allocated from (reset-page inserts behind it); all
		// others are empty.
		newpages := pool.newpages
		if newpages == nil {
			return 0
		}
		if pageData(uintptr(unsafe.Pointer(newpages))) != meta.data {
			return 0
		}
		if uintptr(unsafe.Pointer(cell)) >= uintptr(unsafe.Pointer(newpages)) {
			// past the allocation pointer
			return 0
		}
		return validObject()
	}
	// Case 3: a page with a freelist. Marked or old objects can't be on
	// the freelist.
	if cell.bits() != 0 {
		return validObject()
	}
	// Freelist entries are consumed in ascending order: anything below the
	// freelist pointer was either live during the last sweep or has been
	// allocated since.
	if pageData(uintptr(unsafe.Pointer(cell))) == pageData(uintptr(unsafe.Pointer(pool.freelist))) &&
		uintptr(unsafe.Pointer(cell)) < uintptr(unsafe.Pointer(pool.freelist)) {
		return validObject()
	}
	// The age bit now reflects liveness at the last sweep: clear means a
	// freelist cell.
	objID := (off - off2) / osize
	if !meta.ageBit(objID) {
		return 0
	}
	return validObject()
}
