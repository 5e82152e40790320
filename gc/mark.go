package gc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinygc-org/tinygc/internal/wsdeque"
)

// MarkContext is the working state of one marker: the queue it drains, the
// cache batching big-object transitions, and the remembered-set entries it
// discovered. The collector uses one context per marker thread; mutator-side
// entry points (ForceMarkOld) borrow a context over the mutator's own cache.
type MarkContext struct {
	h     *Heap
	m     *Mutator
	cache *markCache
	mq    *markQueue
	deque *wsdeque.Deque // non-nil while marking in parallel

	remset     []Value
	remsetNptr int
}

func (m *Mutator) markContext() *MarkContext {
	return &MarkContext{h: m.heap, m: m, cache: &m.cache, mq: &m.mq}
}

// push queues an already-claimed object for scanning.
func (mc *MarkContext) push(obj Value) {
	if mc.deque != nil {
		mc.h.unfinished.Add(1)
		mc.deque.Push(uintptr(obj))
		return
	}
	mc.mq.push(obj)
}

// trySetMarkTag claims an object: it computes the marked header and installs
// it with a single atomic exchange, reporting whether this caller was the
// one that claimed it. In reset-age mode the object is re-tagged as if just
// allocated.
func trySetMarkTag(o *taggedValue, markMode uintptr, resetAge bool) bool {
	tag := o.loadHeader()
	if gcMarked(tag) {
		return false
	}
	if resetAge {
		// Reset the object as if it was just allocated.
		tag = tag&^bitsMask | bitsMarked
	} else {
		if gcOld(tag) {
			markMode = bitsOldMarked
		}
		tag |= markMode
	}
	tag = atomic.SwapUintptr(&o.header, tag)
	return !gcMarked(tag)
}

// queueBigMarked batches a freshly marked big object; the flush moves it to
// the marked list, or back to its mutator's live list when toYoung is set.
func (mc *MarkContext) queueBigMarked(hdr *bigVal, toYoung bool) {
	if mc.cache.nbigObj >= len(mc.cache.bigObj) {
		mc.syncCache()
	}
	v := uintptr(unsafe.Pointer(hdr))
	if toYoung {
		v |= 1
	}
	mc.cache.bigObj[mc.cache.nbigObj] = v
	mc.cache.nbigObj++
}

// setmarkBig updates big-object metadata; called exactly once per big object
// marked in a cycle.
func (mc *MarkContext) setmarkBig(o *taggedValue, mode uintptr) {
	if gcAsserts && mc.h.pageMetadata(uintptr(unsafe.Pointer(o))) != nil {
		gcPanic("gc: pool object on the big-object mark path")
	}
	hdr := bigValHeader(o)
	if mode == bitsOldMarked {
		mc.cache.permScannedBytes += int64(hdr.size())
		mc.queueBigMarked(hdr, false)
	} else {
		mc.cache.scannedBytes += int64(hdr.size())
		// An age of zero means the object is already on a young list.
		if mc.h.markResetAge && hdr.age() != 0 {
			// Reset the object as if it was just allocated.
			hdr.setAge(0)
			mc.queueBigMarked(hdr, true)
		}
	}
}

// setmarkPoolPage updates page metadata; called exactly once per pool object
// marked in a cycle.
func (mc *MarkContext) setmarkPoolPage(o *taggedValue, mode uintptr, pg *pageMeta) {
	if pg == nil {
		mc.setmarkBig(o, mode)
		return
	}
	if mode == bitsOldMarked {
		mc.cache.permScannedBytes += int64(pg.osize)
		atomic.AddUint32(&pg.nold, 1)
	} else {
		mc.cache.scannedBytes += int64(pg.osize)
		if mc.h.markResetAge {
			atomic.StoreUint32(&pg.hasYoung, 1)
			begin := pageData(uintptr(unsafe.Pointer(o))) + pageOffset
			objID := (uintptr(unsafe.Pointer(o)) - begin) / uintptr(pg.osize)
			pg.atomicClearAgeBit(objID)
		}
	}
	atomic.StoreUint32(&pg.hasMarked, 1)
}

func (mc *MarkContext) setmarkPool(o *taggedValue, mode uintptr) {
	mc.setmarkPoolPage(o, mode, mc.h.pageMetadata(uintptr(unsafe.Pointer(o))))
}

func (mc *MarkContext) setmark(o *taggedValue, mode uintptr, sz uintptr) {
	if sz <= maxSmallSize {
		mc.setmarkPool(o, mode)
	} else {
		mc.setmarkBig(o, mode)
	}
}

// setmarkBuf claims and accounts an untyped buffer. The size estimate
// decides pool versus big, but a page lookup confirms it, since the
// estimate can be a little off.
func (mc *MarkContext) setmarkBuf(o Value, minsz uintptr) {
	buf := o.tagged()
	bits := bitsMarked
	if gcOld(buf.loadHeader()) && !mc.h.markResetAge {
		bits = bitsOldMarked
	}
	if !trySetMarkTag(buf, bits, mc.h.markResetAge) {
		return
	}
	if minsz <= maxSmallSize {
		if pg := mc.h.pageMetadata(uintptr(unsafe.Pointer(buf))); pg != nil {
			mc.setmarkPoolPage(buf, bits, pg)
			return
		}
	}
	mc.setmarkBig(buf, bits)
}

// pushRemset records a parent that is old and references young. The low two
// bits of nptr carry old/refs-young; the rest counts pointer slots, feeding
// the intergenerational-frontier heuristic.
func (mc *MarkContext) pushRemset(obj Value, nptr uintptr) {
	if nptr&3 == 3 {
		mc.remsetNptr += int(nptr >> 2)
		mc.remset = append(mc.remset, obj)
	}
}

// tryClaimAndPush enqueues an unmarked object. The low bit of *nptr is set
// when the object is young.
func (mc *MarkContext) tryClaimAndPush(obj Value, nptr *uintptr) {
	if obj == 0 {
		return
	}
	o := obj.tagged()
	if nptr != nil && !gcOld(o.loadHeader()) {
		*nptr |= 1
	}
	if trySetMarkTag(o, bitsMarked, mc.h.markResetAge) {
		mc.push(obj)
	}
}

// Field scanners. Each walks the pointer slots of one parent and finishes by
// updating the remembered set.

func (mc *MarkContext) markObj8(parent Value, offs []uint8, nptr uintptr) {
	for _, off := range offs {
		child := Value(*(*uintptr)(unsafe.Pointer(uintptr(parent) + uintptr(off)*wordSize)))
		mc.tryClaimAndPush(child, &nptr)
	}
	mc.pushRemset(parent, nptr)
}

func (mc *MarkContext) markObj16(parent Value, offs []uint16, nptr uintptr) {
	for _, off := range offs {
		child := Value(*(*uintptr)(unsafe.Pointer(uintptr(parent) + uintptr(off)*wordSize)))
		mc.tryClaimAndPush(child, &nptr)
	}
	mc.pushRemset(parent, nptr)
}

func (mc *MarkContext) markObj32(parent Value, offs []uint32, nptr uintptr) {
	for _, off := range offs {
		child := Value(*(*uintptr)(unsafe.Pointer(uintptr(parent) + uintptr(off)*wordSize)))
		mc.tryClaimAndPush(child, &nptr)
	}
	mc.pushRemset(parent, nptr)
}

// markObjArray scans a contiguous run of Value slots with the given stride
// (in words).
func (mc *MarkContext) markObjArray(parent Value, begin, end uintptr, step uintptr, nptr uintptr) {
	for ; begin < end; begin += step * wordSize {
		child := Value(*(*uintptr)(unsafe.Pointer(begin)))
		mc.tryClaimAndPush(child, &nptr)
	}
	mc.pushRemset(parent, nptr)
}

// markArray8 scans an array of inline elements whose pointer slots are given
// by an 8-bit offset table; elsize is the element stride in bytes.
func (mc *MarkContext) markArray8(parent Value, begin, end, elsize uintptr, offs []uint8, nptr uintptr) {
	for ; begin < end; begin += elsize {
		for _, off := range offs {
			child := Value(*(*uintptr)(unsafe.Pointer(begin + uintptr(off)*wordSize)))
			mc.tryClaimAndPush(child, &nptr)
		}
	}
	mc.pushRemset(parent, nptr)
}

func (mc *MarkContext) markArray16(parent Value, begin, end, elsize uintptr, offs []uint16, nptr uintptr) {
	for ; begin < end; begin += elsize {
		for _, off := range offs {
			child := Value(*(*uintptr)(unsafe.Pointer(begin + uintptr(off)*wordSize)))
			mc.tryClaimAndPush(child, &nptr)
		}
	}
	mc.pushRemset(parent, nptr)
}

// markStack walks a chain of shadow-stack frames. In direct frames a
// low-bit-tagged root is a finalizer-list entry whose following slot holds
// an unboxed callback and is skipped.
func (mc *MarkContext) markStack(s *GCFrame) {
	for s != nil {
		nroots := s.NRoots
		nr := nroots >> 2
		rts := uintptr(unsafe.Pointer(s)) + 2*wordSize
		for i := uintptr(0); i < nr; i++ {
			slot := rts + i*wordSize
			var obj Value
			if nroots&1 != 0 {
				p := *(*uintptr)(unsafe.Pointer(slot))
				if p == 0 {
					continue
				}
				obj = Value(*(*uintptr)(unsafe.Pointer(p)))
			} else {
				obj = Value(*(*uintptr)(unsafe.Pointer(slot)))
				if obj&1 != 0 {
					// Tagged finalizer entry: the next slot is an unboxed
					// callback, not a value.
					obj &^= 1
					i++
				}
			}
			mc.tryClaimAndPush(obj, nil)
		}
		s = s.Prev
	}
}

// markExcStack walks the frames of an exception stack, skipping native
// backtrace entries and marking embedded managed values plus the exception
// itself.
func (mc *MarkContext) markExcStack(es *excStack, itr uintptr) {
	for itr > 0 {
		btSize := es.word(itr - 2)
		base := itr - 2 - btSize
		for i := uintptr(0); i < btSize; {
			w := es.word(base + i)
			if !btIsNative(w) {
				n := btNumManaged(w)
				for j := uintptr(1); j <= n; j++ {
					mc.tryClaimAndPush(Value(es.word(base+i+j)), nil)
				}
			}
			i += btEntrySize(w)
		}
		exc := Value(es.word(itr - 1))
		itr = base
		mc.tryClaimAndPush(exc, nil)
	}
}

// markModuleBinding iterates a module's binding table. Binding cells in the
// permanent arena are pinned old+marked; the rest are marked as buffers.
func (mc *MarkContext) markModuleBinding(v Value, nptr uintptr) {
	mod := moduleOf(v)
	table := mod.bindings
	if table != 0 {
		// The table itself is a managed buffer.
		mc.setmarkBuf(Value(table), mod.bindingsSize*wordSize)
	}
	for i := uintptr(1); i < mod.bindingsSize; i += 2 {
		b := *(*uintptr)(unsafe.Pointer(table + i*wordSize))
		if b == htNotFound || b == 0 {
			continue
		}
		if mc.h.perm.contains(b) {
			trySetMarkTag(Value(b).tagged(), bitsOldMarked, false)
		} else {
			mc.setmarkBuf(Value(b), unsafe.Sizeof(binding{}))
		}
		bd := (*binding)(unsafe.Pointer(b))
		if value := bd.loadValue(); value != 0 {
			mc.tryClaimAndPush(value, &nptr)
		}
		globalref := Value(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(&bd.globalref))))
		mc.tryClaimAndPush(globalref, &nptr)
	}
	mc.tryClaimAndPush(mod.parent, &nptr)
	if mod.usingsLen > 0 {
		// Bindings for "using" modules are added only when accessed, so
		// this array might hold the only reference to a module.
		mc.setmarkBuf(Value(mod.usingsItems), mod.usingsLen*wordSize)
		begin := mod.usingsItems
		end := begin + mod.usingsLen*wordSize
		mc.markObjArray(v, begin, end, 1, nptr)
	} else {
		mc.pushRemset(v, nptr)
	}
}

// markFinlistWords marks the live prefix of a finalizer-format list:
// low-bit-tagged entries name a raw callback in the following slot, which is
// skipped.
func (mc *MarkContext) markFinlistWords(items []uintptr, start int) {
	for i := start; i < len(items); i++ {
		v := items[i]
		if v == 0 {
			continue
		}
		if v&1 != 0 {
			v &^= 1
			i++
			if gcAsserts && i >= len(items) {
				gcPanic("gc: dangling raw finalizer entry")
			}
		}
		mc.tryClaimAndPush(Value(v), nil)
	}
}

func (mc *MarkContext) markFinlist(list *finList, start int) {
	l := int(list.length.Load())
	mc.markFinlistWords(list.items[:l], start)
}

// markOutrefs scans one object, enqueueing its unmarked children.
// metaUpdated suppresses the metadata update for objects requeued from the
// remembered set, whose metadata was already counted when first marked.
func (h *Heap) markOutrefs(mc *MarkContext, v Value, metaUpdated bool) {
	o := v.tagged()
	hdr := o.header
	typPtr := hdr &^ bitsMask
	if typPtr == 0 || typPtr == buffTag {
		h.corruptType(v)
	}
	typ := (*Type)(unsafe.Pointer(typPtr))
	bits := bitsMarked
	if gcOld(hdr) && !h.markResetAge {
		bits = bitsOldMarked
	}
	updateMeta := !metaUpdated
	foreignAlloc := false
	if updateMeta && h.perm.contains(uintptr(v)) {
		// Permanent data carries no page or big-object metadata.
		foreignAlloc = true
		updateMeta = false
	}

	switch typ.Kind {
	case KindObjArray:
		l := *(*uintptr)(unsafe.Pointer(v))
		if updateMeta {
			mc.setmark(o, bits, l*wordSize+wordSize)
		}
		begin := uintptr(v) + wordSize
		nptr := l<<2 | bits&bitsOld
		mc.markObjArray(v, begin, begin+l*wordSize, 1, nptr)

	case KindArray:
		a := arrayOf(v)
		if updateMeta {
			if pg := h.pageMetadata(uintptr(unsafe.Pointer(o))); pg != nil {
				mc.setmarkPoolPage(o, bits, pg)
			} else {
				mc.setmarkBig(o, bits)
			}
		}
		switch a.how() {
		case arrayHowBuffer:
			mc.setmarkBuf(Value(a.bufBase()), a.nbytes())
		case arrayHowMalloc:
			if updateMeta || foreignAlloc {
				if bits == bitsOldMarked {
					mc.cache.permScannedBytes += int64(a.nbytes())
				} else {
					mc.cache.scannedBytes += int64(a.nbytes())
				}
			}
		case arrayHowOwner:
			owner := a.owner
			nptr := uintptr(1)<<2 | bits&bitsOld
			mc.tryClaimAndPush(owner, &nptr)
			mc.pushRemset(v, nptr)
			return
		}
		if a.data == 0 || a.length == 0 {
			return
		}
		if typ.PtrArray {
			nptr := a.length<<2 | bits&bitsOld
			mc.markObjArray(v, a.data, a.data+a.length*wordSize, 1, nptr)
		} else if typ.HasPtr {
			et := typ.Elem
			np := uintptr(et.NPointers)
			end := a.data + a.length*a.elsize
			nptr := (a.length*np)<<2 | bits&bitsOld
			switch {
			case np == 1:
				begin := a.data + et.ptrOffset(0)*wordSize
				mc.markObjArray(v, begin, end, a.elsize/wordSize, nptr)
			case et.FieldDescType == fieldDesc8:
				mc.markArray8(v, a.data, end, a.elsize, et.Ptrs8, nptr)
			case et.FieldDescType == fieldDesc16:
				mc.markArray16(v, a.data, end, a.elsize, et.Ptrs16, nptr)
			default:
				h.corruptType(v)
			}
		}

	case KindModule:
		if updateMeta {
			mc.setmark(o, bits, unsafe.Sizeof(module{}))
		}
		mod := moduleOf(v)
		nptr := (mod.bindingsSize+mod.usingsLen+1)<<2 | bits&bitsOld
		mc.markModuleBinding(v, nptr)

	case KindTask:
		if updateMeta {
			mc.setmark(o, bits, typ.Size)
		}
		ta := (*task)(unsafe.Pointer(v))
		h.callbacks.invokeTaskScanner(mc, v, h.isRootTask(v))
		if ta.gcStack != 0 {
			mc.markStack((*GCFrame)(unsafe.Pointer(ta.gcStack)))
		}
		if ta.excStack != 0 {
			es := excStackOf(ta.excStack)
			mc.setmarkBuf(ta.excStack, unsafe.Sizeof(excStack{})+wordSize*es.reservedSize)
			mc.markExcStack(es, es.top)
		}
		// Assume tasks always reference young objects: set the lowest bit.
		nptr := uintptr(typ.NPointers)<<2 | 1 | bits&bitsOld
		mc.markObj8(v, typ.Ptrs8, nptr)

	case KindString:
		if updateMeta {
			mc.setmark(o, bits, StringLen(v)+wordSize+1)
		}

	case KindWeakRef:
		if updateMeta {
			mc.setmark(o, bits, typ.Size)
		}
		// The referent is weak: not traced.

	case KindDynamic:
		if updateMeta {
			mc.setmark(o, bits, typ.Size)
		}
		wasOld := o.bits()&bitsOld != 0
		young := typ.MarkFunc(mc, v)
		if wasOld && young != 0 {
			mc.pushRemset(v, young*4+3)
		}

	default: // KindObject
		if updateMeta {
			mc.setmark(o, bits, typ.Size)
		}
		np := uintptr(typ.NPointers)
		if np == 0 {
			return
		}
		nptr := np<<2 | bits&bitsOld
		switch typ.FieldDescType {
		case fieldDesc8:
			mc.markObj8(v, typ.Ptrs8, nptr)
		case fieldDesc16:
			mc.markObj16(v, typ.Ptrs16, nptr)
		case fieldDesc32:
			// This is very uncommon.
			mc.markObj32(v, typ.Ptrs32, nptr)
		default:
			h.corruptType(v)
		}
	}
}

func (h *Heap) isRootTask(v Value) bool {
	for _, m := range h.mutators {
		if m.rootTask == v {
			return true
		}
	}
	return false
}

// markLoop drains the mark queue, scanning depth first. With more than one
// marker configured the queued work is spread over work-stealing deques and
// drained by a pool of workers inside the stop-the-world window.
func (h *Heap) markLoop(mc *MarkContext) {
	if h.cfg.Markers > 1 {
		h.markLoopParallel(mc)
		return
	}
	for {
		obj, ok := mc.mq.pop()
		if !ok {
			break
		}
		h.markOutrefs(mc, obj, false)
	}
	h.flushContext(mc)
}

func (h *Heap) markLoopParallel(root *MarkContext) {
	n := h.cfg.Markers
	ctxs := make([]*MarkContext, n)
	ctxs[0] = root
	root.deque = wsdeque.NewDeque(1024)
	for i := 1; i < n; i++ {
		ctxs[i] = &MarkContext{h: h, m: root.m, cache: new(markCache), deque: wsdeque.NewDeque(1024)}
	}
	// Spread the queued seeds over the deques.
	for i := 0; ; i++ {
		obj, ok := root.mq.pop()
		if !ok {
			break
		}
		h.unfinished.Add(1)
		ctxs[i%n].deque.Push(uintptr(obj))
	}
	var wg sync.WaitGroup
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(mc *MarkContext) {
			defer wg.Done()
			h.markWorker(mc, ctxs)
		}(ctxs[i])
	}
	h.markWorker(ctxs[0], ctxs)
	wg.Wait()
	root.deque = nil
	for _, mc := range ctxs {
		h.flushContext(mc)
	}
}

// markWorker pops from its own deque and steals from peers when dry;
// termination is exact because every claimed object bumps the unfinished
// counter once and completes it once.
func (h *Heap) markWorker(mc *MarkContext, ctxs []*MarkContext) {
	for {
		obj, ok := mc.deque.Pop()
		if !ok {
			for _, peer := range ctxs {
				if peer == mc {
					continue
				}
				if obj, ok = peer.deque.Steal(); ok {
					break
				}
			}
			if !ok {
				if h.unfinished.Load() == 0 {
					return
				}
				runtime.Gosched()
				continue
			}
		}
		h.markOutrefs(mc, Value(obj), false)
		h.unfinished.Add(-1)
	}
}

// flushContext publishes a marker's batched state: big-object moves and byte
// counts under the cache lock, remembered-set discoveries onto the
// collecting mutator.
func (h *Heap) flushContext(mc *MarkContext) {
	mc.syncCache()
	if len(mc.remset) > 0 {
		mc.m.remset = append(mc.m.remset, mc.remset...)
		mc.m.remsetNptr += mc.remsetNptr
		mc.remset = mc.remset[:0]
		mc.remsetNptr = 0
	}
}

func (h *Heap) syncCacheNolock(m *Mutator, c *markCache) {
	for i := 0; i < c.nbigObj; i++ {
		ptr := c.bigObj[i]
		hdr := (*bigVal)(unsafe.Pointer(ptr &^ 1))
		bigUnlink(hdr)
		if ptr&1 != 0 {
			bigLink(hdr, &m.bigObjects)
		} else {
			// Move hdr from its live list to the marked list.
			bigLink(hdr, &h.bigObjectsMarked)
		}
	}
	c.nbigObj = 0
	h.permScannedBytes += c.permScannedBytes
	h.scannedBytes += c.scannedBytes
	c.permScannedBytes = 0
	c.scannedBytes = 0
}

func (mc *MarkContext) syncCache() {
	mc.h.cacheLock.Lock()
	mc.h.syncCacheNolock(mc.m, mc.cache)
	mc.h.cacheLock.Unlock()
}

// syncAllCaches flushes every mutator's cache into the global lists; big
// objects force-marked outside a collection surface here.
func (h *Heap) syncAllCaches(m *Mutator) {
	for _, m2 := range h.mutators {
		h.syncCacheNolock(m, &m2.cache)
	}
}

// premark rotates a mutator's remembered set and re-tags last cycle's
// entries old+marked, so they are scanned without being recounted.
func (h *Heap) premark(m2 *Mutator) {
	m2.remset, m2.lastRemset = m2.lastRemset, m2.remset
	m2.remset = m2.remset[:0]
	m2.remsetNptr = 0
	// Avoid counting remembered objects and bindings twice.
	for _, v := range m2.lastRemset {
		v.tagged().setBits(bitsOldMarked)
	}
	for _, b := range m2.remBindings {
		b.tagged().setBits(bitsOldMarked)
	}
}

// queueThreadLocal queues a mutator's task roots and walks its shadow
// stack.
func (h *Heap) queueThreadLocal(mc *MarkContext, m2 *Mutator) {
	mc.tryClaimAndPush(m2.currentTask, nil)
	mc.tryClaimAndPush(m2.rootTask, nil)
	mc.tryClaimAndPush(m2.nextTask, nil)
	mc.tryClaimAndPush(m2.previousTask, nil)
	mc.tryClaimAndPush(m2.previousException, nil)
	if m2.gcStack != nil {
		mc.markStack(m2.gcStack)
	}
}

// queueBtBuf marks managed objects in a mutator's backtrace buffer.
func (h *Heap) queueBtBuf(mc *MarkContext, m2 *Mutator) {
	buf := m2.btBuf
	for i := 0; i < len(buf); {
		w := buf[i]
		if !btIsNative(w) {
			n := int(btNumManaged(w))
			for j := 1; j <= n; j++ {
				mc.tryClaimAndPush(Value(buf[i+j]), nil)
			}
		}
		i += int(btEntrySize(w))
	}
}

// queueRemset rescans last cycle's remembered set. Entries are already
// marked, so they go straight through markOutrefs; bindings are compacted
// down to those still referencing young values.
func (h *Heap) queueRemset(mc *MarkContext, m2 *Mutator) {
	for _, v := range m2.lastRemset {
		h.markOutrefs(mc, v, true)
	}
	n := 0
	for _, b := range m2.remBindings {
		bd := (*binding)(unsafe.Pointer(b))
		v := bd.loadValue()
		mc.tryClaimAndPush(v, nil)
		if v != 0 && !gcOld(v.tagged().loadHeader()) {
			m2.remBindings[n] = b
			n++
		}
	}
	m2.remBindings = m2.remBindings[:n]
}

// markRoots queues the registered global roots.
func (h *Heap) markRoots(mc *MarkContext) {
	h.rootsLock.Lock()
	roots := h.globalRoots
	h.rootsLock.Unlock()
	for _, v := range roots {
		mc.tryClaimAndPush(v, nil)
	}
}

// QueueObj claims and queues an object from a root-scanner callback.
// Reports whether this call claimed it.
func (mc *MarkContext) QueueObj(obj Value) bool {
	if trySetMarkTag(obj.tagged(), bitsMarked, mc.h.markResetAge) {
		mc.push(obj)
		return true
	}
	return false
}

// QueueObjArray claims and queues nobjs Values starting at objs, crediting
// parent's remembered-set state.
func (mc *MarkContext) QueueObjArray(parent Value, objs uintptr, nobjs uintptr) {
	nptr := nobjs<<2 | parent.tagged().bits()&bitsOld
	mc.markObjArray(parent, objs, objs+nobjs*wordSize, 1, nptr)
}

// ForceMarkOld pins v old+marked and, if it holds pointers, queues it on the
// remembered set so its referents stay reachable without rescans.
func (m *Mutator) ForceMarkOld(v Value) {
	o := v.tagged()
	if o.bits() == bitsOldMarked {
		return
	}
	typ := TypeOf(v)
	o.setBits(bitsOldMarked)
	mc := m.markContext()
	mc.setmark(o, bitsOldMarked, objectBytes(v, typ))
	if typ.NPointers != 0 || typ.Kind != KindObject {
		m.QueueRoot(v)
	}
}

// objectBytes returns the heap footprint estimate of one object.
func objectBytes(v Value, typ *Type) uintptr {
	switch typ.Kind {
	case KindString:
		return StringLen(v) + wordSize + 1
	case KindObjArray:
		return *(*uintptr)(unsafe.Pointer(v))*wordSize + wordSize
	case KindModule:
		return unsafe.Sizeof(module{})
	default:
		return typ.Size
	}
}
