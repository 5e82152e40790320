package gc

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
)

// Finalizer lists hold (object, callback) pairs as raw words. An object
// word with its low bit set names a raw Go callback: the pair's second word
// is then an index into the heap's raw-callback registry instead of a
// managed value. The global to-finalize list never holds tagged words.
//
// A mutator appends to its own list; another mutator may shrink it inside
// Finalize while holding the finalizers lock. The length is published with
// a release store after the pair words are written, and consumed with an
// acquire load, so readers only ever see fully written pairs.
type finList struct {
	items  []uintptr
	length atomic.Int64
}

func (fl *finList) pairs() []uintptr {
	return fl.items[:fl.length.Load()]
}

// push appends a pair under the finalizers lock (collector side; no
// publication protocol needed inside the stop).
func (fl *finList) push(v, f uintptr) {
	n := int(fl.length.Load())
	if n+2 > len(fl.items) {
		fl.grow(n)
	}
	fl.items[n] = v
	fl.items[n+1] = f
	fl.length.Store(int64(n + 2))
}

func (fl *finList) grow(n int) {
	capacity := len(fl.items) * 2
	if capacity < 32 {
		capacity = 32
	}
	for capacity < n+2 {
		capacity *= 2
	}
	grown := make([]uintptr, capacity)
	copy(grown, fl.items[:n])
	fl.items = grown
}

// addFinalizer reserves two slots in the mutator's list with the
// acquire/release length protocol; the lock is only taken to grow.
func (h *Heap) addFinalizer(m *Mutator, v, f uintptr) {
	a := &m.finalizers
	oldlen := a.length.Load()
	if int(oldlen)+2 > len(a.items) {
		h.finalizersLock.Lock()
		// a.length might have been modified.
		oldlen = a.length.Load()
		a.grow(int(oldlen))
		h.finalizersLock.Unlock()
	}
	a.items[oldlen] = v
	a.items[oldlen+1] = f
	a.length.Store(oldlen + 2)
}

// AddFinalizer registers a managed callback to run after v becomes
// unreachable. The heap's Config.RunFinalizer dispatches it.
func (m *Mutator) AddFinalizer(v, fn Value) {
	m.heap.addFinalizer(m, uintptr(v), uintptr(fn))
}

// AddRawFinalizer registers a Go callback to run after v becomes
// unreachable. The callback is never collected.
func (m *Mutator) AddRawFinalizer(v Value, fn func(Value)) {
	h := m.heap
	h.rawFinsLock.Lock()
	idx := uintptr(len(h.rawFins))
	h.rawFins = append(h.rawFins, fn)
	h.rawFinsLock.Unlock()
	h.addFinalizer(m, uintptr(v)|1, idx)
}

// scheduleFinalization moves a discovered pair onto the ready list. Caller
// holds the finalizers lock.
func (h *Heap) scheduleFinalization(o, f uintptr) {
	h.toFinalize = append(h.toFinalize, o, f)
	h.havePending.Store(1)
}

// runFinalizer invokes one callback. A panicking callback is reported to
// stderr with a stack trace and does not abort the collection.
func (h *Heap) runFinalizer(o, f uintptr) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "error in running finalizer: %v\n", r)
			os.Stderr.Write(debug.Stack())
		}
	}()
	if o&1 != 0 {
		h.rawFinsLock.Lock()
		fn := h.rawFins[f]
		h.rawFinsLock.Unlock()
		fn(Value(o &^ 1))
		return
	}
	if h.cfg.RunFinalizer == nil {
		gcPanic("gc: managed finalizer without a RunFinalizer dispatcher")
	}
	h.cfg.RunFinalizer(Value(f), Value(o))
}

// runFinalizerPairs runs pairs in reverse insertion order, so lower-level
// finalizers run last.
func (h *Heap) runFinalizerPairs(pairs []uintptr) {
	for i := len(pairs) - 2; i >= 0; i -= 2 {
		if pairs[i] == 0 {
			continue
		}
		h.runFinalizer(pairs[i], pairs[i+1])
	}
}

// runFinalizers drains the ready list and runs it outside the lock. The
// world is live again by the time this runs.
func (h *Heap) runFinalizers(m *Mutator) {
	// Racy fast path: a concurrent writer holds the lock and will flush.
	if h.havePending.Load() == 0 {
		return
	}
	h.finalizersLock.Lock()
	if len(h.toFinalize) == 0 {
		h.havePending.Store(0)
		h.finalizersLock.Unlock()
		return
	}
	copied := h.toFinalize
	h.toFinalize = nil
	h.havePending.Store(0)
	h.finalizersLock.Unlock()
	h.runFinalizerPairs(copied)
}

// RunPendingFinalizers runs callbacks queued by earlier collections, unless
// the mutator is already inside a finalizer or has them inhibited.
func (m *Mutator) RunPendingFinalizers() {
	if !m.inFinalizer && m.finalizersInhibited == 0 {
		m.inFinalizer = true
		m.heap.runFinalizers(m)
		m.inFinalizer = false
	}
}

var enableFinalizersWarned atomic.Int32

// EnableFinalizers adjusts the per-mutator inhibition count. Unbalanced
// enables are reported once with a backtrace and otherwise ignored.
func (m *Mutator) EnableFinalizers(on bool) {
	old := m.finalizersInhibited
	var next int
	if on {
		next = old - 1
	} else {
		next = old + 1
	}
	if next < 0 {
		if enableFinalizersWarned.CompareAndSwap(0, 1) {
			fmt.Fprintf(os.Stderr, "WARNING: GC finalizers already enabled on this thread.\n")
			os.Stderr.Write(debug.Stack())
		}
		return
	}
	m.finalizersInhibited = next
	if m.heap.havePending.Load() != 0 {
		m.RunPendingFinalizers()
	}
}

// finalizeObject moves every pair for o from list to copied. With needSync
// (another mutator's list) mutations stay inside the published prefix and
// the shrunken length is published with a compare-and-swap.
func (h *Heap) finalizeObject(list *finList, o Value, copied *[]uintptr, needSync bool) {
	length := list.length.Load()
	oldlen := length
	items := list.items
	j := int64(0)
	for i := int64(0); i < length; i += 2 {
		v := items[i]
		move := false
		if uintptr(o) == v&^1 {
			move = true
			*copied = append(*copied, v, items[i+1])
		}
		if move || v == 0 {
			// remove item
		} else {
			if j < i {
				items[j] = items[i]
				items[j+1] = items[i+1]
			}
			j += 2
		}
	}
	if oldlen == j {
		return
	}
	if needSync {
		// Clear the tail before publishing the new length: the owner might
		// already have read the old length.
		for k := j; k < oldlen; k++ {
			items[k] = 0
		}
		list.length.CompareAndSwap(oldlen, j)
	} else {
		list.length.Store(j)
	}
}

// Finalize runs v's finalizers now, synchronously, removing them from every
// list so a later collection cannot run them again.
func (m *Mutator) Finalize(v Value) {
	h := m.heap
	h.finalizersLock.Lock()
	var copied []uintptr
	// No need to check the to-finalize list: the caller still holds a
	// reference to the object.
	for _, m2 := range h.mutators {
		h.finalizeObject(&m2.finalizers, v, &copied, m2 != m)
	}
	h.finalizeObject(&h.finalizerListMarked, v, &copied, false)
	h.finalizersLock.Unlock()
	if len(copied) > 0 {
		h.runFinalizerPairs(copied)
	}
}

// scheduleAllFinalizers flushes a whole list onto the ready list.
func (h *Heap) scheduleAllFinalizers(list *finList) {
	pairs := list.pairs()
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == 0 {
			continue
		}
		h.scheduleFinalization(pairs[i], pairs[i+1])
	}
	list.length.Store(0)
}

// RunAllFinalizers schedules and runs every registered finalizer, used at
// shutdown.
func (m *Mutator) RunAllFinalizers() {
	h := m.heap
	h.finalizersLock.Lock()
	h.scheduleAllFinalizers(&h.finalizerListMarked)
	for _, m2 := range h.mutators {
		h.scheduleAllFinalizers(&m2.finalizers)
	}
	h.finalizersLock.Unlock()
	h.runFinalizers(m)
}

// sweepFinalizerList runs after marking: pairs whose object died move to
// the ready list; pairs whose object and callback both went old+marked move
// to the global marked list so survivors propagate without rescans. The
// caller relies on moved pairs being appended at the end of the marked
// list.
func (h *Heap) sweepFinalizerList(list *finList) {
	items := list.pairs()
	isMarkedList := list == &h.finalizerListMarked
	j := 0
	for i := 0; i+1 < len(items); i += 2 {
		v0 := items[i]
		v := v0 &^ 1
		if v0 == 0 {
			// remove from this list
			continue
		}
		fin := items[i+1]
		isFreed := !gcMarked(Value(v).tagged().bits())
		isOld := false
		if !isMarkedList && Value(v).tagged().bits() == bitsOldMarked {
			if v0&1 != 0 || Value(fin).tagged().bits() == bitsOldMarked {
				isOld = true
			}
		}
		if isFreed || isOld {
			// remove from this list
		} else {
			if j < i {
				items[j] = items[i]
				items[j+1] = items[i+1]
			}
			j += 2
		}
		if isFreed {
			h.scheduleFinalization(v0, fin)
		}
		if isOld {
			h.finalizerListMarked.push(v0, fin)
		}
	}
	list.length.Store(int64(j))
}
