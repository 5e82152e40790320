package gc

import (
	"runtime"
)

// defaultCollectInterval is the initial allocation budget between automatic
// collections.
const defaultCollectInterval = 5600 * 1024 * int64(wordSize)

// safepointStartGC claims the collection singleton. Only one thread may run
// the collector; losers wait in Collect until the winner finishes.
func (h *Heap) safepointStartGC() bool {
	return h.gcRunning.CompareAndSwap(0, 1)
}

func (h *Heap) safepointEndGC() {
	h.gcRunning.Store(0)
}

// waitForTheWorld spins until every other mutator has acknowledged the
// safepoint. The acquire load of gcState pairs with the mutator's release
// store, so all stores those threads issued before parking are visible to
// the collector.
func (h *Heap) waitForTheWorld(self *Mutator) {
	h.mutatorsLock.Lock()
	muts := h.mutators
	h.mutatorsLock.Unlock()
	for _, m2 := range muts {
		if m2 == self {
			continue
		}
		for m2.gcState.Load() == gcStateRunning {
			runtime.Gosched()
		}
	}
}

// Collect runs a collection of the given kind on behalf of the calling
// mutator. With collection disabled the allocation accounting is deferred
// and nothing happens. Exactly one thread wins the collection slot; the
// others park until it finishes. Pending finalizers run on the triggering
// mutator after the world is restarted.
func (m *Mutator) Collect(kind Collection) {
	h := m.heap

	if h.disableCounter.Load() != 0 {
		interval := h.interval.Load()
		localbytes := m.allocd.Load() + interval
		m.allocd.Store(-interval)
		h.deferredAlloc.Add(localbytes)
		return
	}

	oldState := m.gcState.Load()
	m.gcState.Store(gcStateWaiting)
	t0 := nanotime()
	if !h.safepointStartGC() {
		// Another thread won the slot; wait for its collection instead of
		// running a second one.
		for h.gcRunning.Load() != 0 {
			runtime.Gosched()
		}
		m.gcState.Store(oldState)
		return
	}
	h.waitForTheWorld(m)
	dur := uint64(nanotime() - t0)
	if dur > h.num.MaxTimeToSafepoint {
		h.num.MaxTimeToSafepoint = dur
	}
	h.num.TimeToSafepoint = dur

	h.callbacks.invokePreGC(kind)

	if h.disableCounter.Load() == 0 {
		h.finalizersLock.Lock()
		if h.collect(m, kind) {
			// recollect
			if h.collect(m, CollectionAuto) && gcAsserts {
				gcPanic("gc: auto recollection requested another recollect")
			}
		}
		h.finalizersLock.Unlock()
	}

	h.safepointEndGC()
	m.gcState.Store(oldState)

	// Finalizers, only for the current thread: waiting for finalizers on
	// other threads cannot be done without deadlock.
	if !m.inFinalizer && m.finalizersInhibited == 0 {
		wasIn := m.inFinalizer
		m.inFinalizer = true
		h.runFinalizers(m)
		m.inFinalizer = wasIn
	}

	h.callbacks.invokePostGC(kind)
}

// collect runs one cycle inside the stop. Returns whether the caller must
// run a follow-up collection. Only one thread is ever in here.
func (h *Heap) collect(m *Mutator, kind Collection) bool {
	h.combineThreadCounts(&h.num)

	gcStart := nanotime()
	lastPermScanned := h.permScannedBytes
	muts := h.mutators
	mc := m.markContext()

	// Fix the GC bits of objects in the remsets, then queue every root.
	for _, m2 := range muts {
		h.premark(m2)
	}
	for _, m2 := range muts {
		// Thread-local roots and managed frames in the backtrace buffer.
		h.queueThreadLocal(mc, m2)
		h.queueBtBuf(mc, m2)
	}
	for _, m2 := range muts {
		// Objects in the last remsets and remembered bindings.
		h.queueRemset(mc, m2)
	}
	h.markRoots(mc)
	h.callbacks.invokeRootScanner(mc, kind)
	h.markLoop(mc)

	endMark := nanotime()
	h.num.SinceSweep += h.num.Allocd
	markTime := uint64(endMark - gcStart)
	h.num.MarkTime = markTime
	h.num.TotalMarkTime += markTime
	actualAllocd := h.num.SinceSweep

	// Null dead weak references before finalizer discovery so finalizers
	// observe them cleared.
	h.clearWeakRefs()

	// Finalizer discovery: remember how much of the marked list predates
	// this cycle, since sweeping the per-mutator lists appends survivors.
	origMarkedLen := int(h.finalizerListMarked.length.Load())
	for _, m2 := range muts {
		h.sweepFinalizerList(&m2.finalizers)
	}
	if h.prevSweepFull {
		h.sweepFinalizerList(&h.finalizerListMarked)
		origMarkedLen = 0
	}
	for _, m2 := range muts {
		mc.markFinlist(&m2.finalizers, 0)
	}
	mc.markFinlist(&h.finalizerListMarked, origMarkedLen)
	// Flush the mark queue before flipping the reset-age bit so already
	// queued objects are not rejuvenated.
	h.markLoop(mc)
	// Objects on the to-finalize list are only reachable from it: re-tag
	// them as fresh allocations so they live exactly until their callback
	// runs. Conservative scanning needs the age bits stable, so not then.
	h.markResetAge = h.supportConservative.Load() == 0
	mc.markFinlistWords(h.toFinalize, 0)
	h.markLoop(mc)
	h.markResetAge = false

	// Flush everything in the mark caches.
	h.syncAllCaches(m)

	liveSzUb := h.liveBytes + actualAllocd
	liveSzEst := h.scannedBytes + h.permScannedBytes
	estimateFreed := liveSzUb - liveSzEst

	h.num.TotalAllocd += actualAllocd
	if !h.prevSweepFull {
		h.promotedBytes += h.permScannedBytes - lastPermScanned
	}

	// Next collection decision.
	notFreedEnough := kind == CollectionAuto && estimateFreed < 7*actualAllocd/10
	nptr := 0
	for _, m2 := range muts {
		nptr += m2.remsetNptr
	}
	// Many pointers in the intergenerational frontier: the "quick" mark is
	// not quick anymore.
	largeFrontier := int64(nptr)*int64(wordSize) >= defaultCollectInterval
	sweepFull := false
	recollect := false

	// Update the heuristics only for automatically triggered collections.
	if kind == CollectionAuto {
		if notFreedEnough {
			h.interval.Store(h.interval.Load() * 2)
		}
		if largeFrontier {
			sweepFull = true
		}
		if h.interval.Load() > h.maxCollectInterval {
			sweepFull = true
			h.interval.Store(h.maxCollectInterval)
		}
	}
	// Once live data outgrows the ceiling, keep collecting with minimum
	// intervals and full sweeps until space comes back or the OS gives up.
	if h.liveBytes > int64(h.maxTotalMemory) {
		sweepFull = true
	}
	if kind == CollectionFull {
		sweepFull = true
		recollect = true
	}
	if sweepFull {
		// These become deltas relative to this full sweep.
		h.permScannedBytes = 0
		h.promotedBytes = 0
	}
	h.scannedBytes = 0

	// Sweeping.
	startSweep := nanotime()
	h.sweepWeakRefs()
	if h.cfg.SweepStackPools != nil {
		h.cfg.SweepStackPools()
	}
	h.sweepForeignObjs()
	h.sweepMallocedArrays()
	h.sweepBig(m, sweepFull)
	h.sweepPool(sweepFull)
	if sweepFull {
		h.sweepPermAlloc()
	}

	gcEnd := nanotime()
	sweepTime := uint64(gcEnd - startSweep)
	pause := uint64(gcEnd - gcStart)
	h.num.TotalSweepTime += sweepTime
	h.num.SweepTime = sweepTime

	// After a quick sweep, put the remembered objects back in the queued
	// state so the barrier does not fire on them again.
	for _, m2 := range muts {
		if !sweepFull {
			for _, v := range m2.remset {
				v.tagged().setBits(bitsMarked)
			}
			for _, b := range m2.remBindings {
				b.tagged().setBits(bitsMarked)
			}
		} else {
			m2.remset = m2.remset[:0]
			m2.remBindings = m2.remBindings[:0]
		}
	}

	if sweepFull {
		// Empirically, resident-set runaway shows up within a growth gap
		// of about 20-25%; past that, force the deferred madvise work.
		if rss := maxRSS(); rss > h.lastTrimMaxRSS/4*5 {
			h.madviseIdlePages()
			h.lastTrimMaxRSS = rss
		}
		h.num.FullSweep++
	}

	if maxMemory := uint64(h.lastLiveBytes + h.num.Allocd); maxMemory > h.num.MaxMemory {
		h.num.MaxMemory = maxMemory
	}

	h.num.Allocd = 0
	h.lastLiveBytes = h.liveBytes
	h.liveBytes += h.num.SinceSweep - h.num.Freed

	if kind == CollectionAuto {
		// An interval above half the live data shrinks back to half, but
		// never below the default.
		if half := h.liveBytes / 2; h.interval.Load() > half {
			h.interval.Store(half)
		}
		if h.interval.Load() < defaultCollectInterval {
			h.interval.Store(defaultCollectInterval)
		}
	}
	if h.interval.Load()+h.liveBytes > int64(h.maxTotalMemory) {
		if h.liveBytes < int64(h.maxTotalMemory) {
			h.interval.Store(int64(h.maxTotalMemory) - h.liveBytes)
		} else {
			// We can't stay under the goal, so go back to the minimum
			// interval and hope things get better.
			h.interval.Store(defaultCollectInterval)
		}
	}

	h.prevSweepFull = sweepFull
	if !recollect {
		h.num.Pause++
	}
	h.num.TotalTime += pause
	h.num.SinceSweep = 0
	h.num.Freed = 0
	if pause > h.num.MaxPause {
		h.num.MaxPause = pause
	}
	h.resetThreadCounts()

	return recollect
}
