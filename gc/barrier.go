package gc

import "unsafe"

// Write barriers. The generation contract: an old object must never
// reference a clean (young) object without sitting on a remembered set.
// Whenever a mutator stores a young pointer into an old object it calls one
// of these, which re-tag the parent young-marked and record it. The bits
// update is not atomic; collection cannot run here and only the owning
// mutator writes young bits outside a collection, so at worst the remset
// holds a duplicate.

// QueueRoot records that the old object v now references young data.
func (m *Mutator) QueueRoot(v Value) {
	v.tagged().setBits(bitsMarked)
	m.remset = append(m.remset, v)
	m.remsetNptr++ // conservative
}

// QueueMultiroot is the barrier for a store of child (an object with
// multiple pointer slots) into parent: the barrier fires only if child
// actually carries a young reference.
func (m *Mutator) QueueMultiroot(parent, child Value) {
	typ := TypeOf(child)
	np := typ.NPointers
	if np == 0 {
		return
	}
	first := Value(*(*uintptr)(unsafe.Pointer(uintptr(child) + typ.ptrOffset(0)*wordSize)))
	if first != 0 && first.tagged().bits()&bitsOld == 0 {
		// The pointer was young: move the barrier back now.
		m.QueueRoot(parent)
		return
	}
	for i := uint32(1); i < np; i++ {
		fld := Value(*(*uintptr)(unsafe.Pointer(uintptr(child) + typ.ptrOffset(i)*wordSize)))
		if fld != 0 && fld.tagged().bits()&bitsOld == 0 {
			m.QueueRoot(parent)
			return
		}
	}
}

// QueueBinding is the barrier for stores through a name binding cell.
func (m *Mutator) QueueBinding(b Value) {
	b.tagged().setBits(bitsMarked)
	m.remBindings = append(m.remBindings, b)
}
