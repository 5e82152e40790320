package gc

import (
	"runtime"
	"sync/atomic"
)

// pool is the allocator state of one (mutator, size class) pair.
type pool struct {
	// freelist is a stack of free cells, contiguous per page.
	freelist *taggedValue
	// newpages points at the bump position inside the first page of the
	// empty-page chain. Only that first page is ever bumped into; the rest
	// of the chain is threaded through the pages' first words.
	newpages *taggedValue
	osize    uint16
	idx      uint8
}

// markCache batches big-object transitions and byte counts observed while
// marking, so that the global lists and counters are only touched on flush.
type markCache struct {
	permScannedBytes int64
	scannedBytes     int64
	nbigObj          int
	// bigObj holds *bigVal with the low bit set when the object moves back
	// to its mutator's young list.
	bigObj [1024]uintptr
}

// mallocArray tracks one array whose storage came from ManagedMalloc.
type mallocArray struct {
	a    Value
	next *mallocArray
}

// Mutator is the thread-local state of one mutator thread. All fields are
// single-writer: only the owning thread mutates them outside a collection,
// and only the collector inside one.
type Mutator struct {
	heap *Heap
	tid  int

	// gcState is set by the owning thread with release semantics before it
	// blocks or parks; the collector acquire-loads it to learn the thread
	// is safe. This pairing makes all prior stores of the mutator visible
	// to the collector.
	gcState atomic.Int32

	disableGC           bool
	inFinalizer         bool
	finalizersInhibited int

	pools [numSizeClasses]pool

	weakRefs     []Value
	bigObjects   *bigVal
	mallocArrays *mallocArray
	maFreelist   *mallocArray

	// remset holds old objects re-tagged young by the write barrier; the
	// pair is rotated at the start of each collection.
	remset      []Value
	lastRemset  []Value
	remsetNptr  int
	remBindings []Value

	finalizers finList
	sweepObjs  []Value

	mq    markQueue
	cache markCache

	// Allocation counters. allocd starts at -interval; crossing zero is
	// the collection trigger.
	allocd     atomic.Int64
	freed      atomic.Int64
	nmalloc    atomic.Uint64
	nrealloc   atomic.Uint64
	npoolalloc atomic.Uint64
	nbigalloc  atomic.Uint64
	nfreecall  atomic.Uint64

	// Thread-local roots.
	currentTask       Value
	rootTask          Value
	nextTask          Value
	previousTask      Value
	previousException Value
	gcStack           *GCFrame
	btBuf             []uintptr
}

// NewMutator registers a mutator thread with the heap. Registration waits
// out any in-flight collection so the collector's view of the thread set is
// stable within a cycle.
func (h *Heap) NewMutator() *Mutator {
	m := &Mutator{heap: h}
	for i := range m.pools {
		m.pools[i].osize = sizeClasses[i]
		m.pools[i].idx = uint8(i)
	}
	m.mq.init(1024, h.cfg.PrefetchMark)
	m.allocd.Store(-h.interval.Load())

	h.mutatorsLock.Lock()
	for h.gcRunning.Load() != 0 {
		runtime.Gosched()
	}
	m.tid = len(h.mutators)
	h.mutators = append(h.mutators, m)
	h.mutatorsLock.Unlock()
	return m
}

// Heap returns the heap this mutator allocates from.
func (m *Mutator) Heap() *Heap { return m.heap }

// Safepoint polls for a pending collection and parks until it finishes.
// The allocation slow path calls this; user code may poll explicitly.
func (m *Mutator) Safepoint() {
	h := m.heap
	if h.gcRunning.Load() == 0 {
		return
	}
	old := m.gcState.Load()
	m.gcState.Store(gcStateWaiting)
	for h.gcRunning.Load() != 0 {
		runtime.Gosched()
	}
	m.gcState.Store(old)
}

// EnterSafeRegion declares that the thread will not touch the managed heap
// (e.g. around a blocking syscall). Collections proceed without waiting for
// this thread. Returns the previous state for LeaveSafeRegion.
func (m *Mutator) EnterSafeRegion() int32 {
	old := m.gcState.Load()
	m.gcState.Store(gcStateSafe)
	return old
}

// LeaveSafeRegion restores the state saved by EnterSafeRegion and honors a
// collection that started meanwhile.
func (m *Mutator) LeaveSafeRegion(old int32) {
	m.gcState.Store(old)
	m.Safepoint()
}

// SetCurrentTask and friends install the thread-local task roots queued at
// the start of every collection.
func (m *Mutator) SetCurrentTask(v Value)       { m.currentTask = v }
func (m *Mutator) SetRootTask(v Value)          { m.rootTask = v }
func (m *Mutator) SetNextTask(v Value)          { m.nextTask = v }
func (m *Mutator) SetPreviousTask(v Value)      { m.previousTask = v }
func (m *Mutator) SetPreviousException(v Value) { m.previousException = v }

// PushGCFrame installs a shadow-stack frame of roots; PopGCFrame removes it.
func (m *Mutator) PushGCFrame(f *GCFrame) {
	f.Prev = m.gcStack
	m.gcStack = f
}

func (m *Mutator) PopGCFrame(f *GCFrame) {
	if gcAsserts && m.gcStack != f {
		gcPanic("gc: unbalanced GC frame pop")
	}
	m.gcStack = f.Prev
}

// SetBacktraceBuffer installs the sampled backtrace buffer scanned for
// managed values during collection.
func (m *Mutator) SetBacktraceBuffer(buf []uintptr) { m.btBuf = buf }

// CountAlloc accounts externally allocated bytes against this mutator's
// collection budget.
func (m *Mutator) CountAlloc(sz uintptr) {
	m.allocd.Add(int64(sz))
}

// maybeCollect is the allocation slow-path check: collect when the budget is
// used up, otherwise honor a safepoint.
func (m *Mutator) maybeCollect() {
	if m.allocd.Load() >= 0 {
		m.Collect(CollectionAuto)
	} else {
		m.Safepoint()
	}
}
