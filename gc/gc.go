// Package gc implements a non-moving, precise, generational, stop-the-world
// mark and sweep collector for a managed-language runtime.
//
// Small objects are pool-allocated from 16 KiB pages, big objects live on a
// simple doubly-linked list, and immortal data goes into a monotonic
// permanent arena. Each mutator thread owns its allocator state and
// participates in a cooperative safepoint protocol; collection stops the
// world, marks from the roots and the remembered sets, sweeps, and resumes.
//
// The heap managed here is raw memory mapped from the OS. Go's own collector
// never sees it: every pointer into it is a Value (a bare address), and all
// object metadata lives either in the word-sized header preceding each object
// or out-of-band in the page table.
//
// More information:
// https://aykevl.nl/2020/09/gc-tinygo
// "The Garbage Collection Handbook" by Richard Jones, Antony Hosking, Eliot
// Moss.
package gc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile-out switches, in the manner of the runtime: gcAsserts enables
// internal consistency checks, gcDebug enables println-level tracing.
const gcDebug = false
const gcAsserts = false

const (
	pageLg2 = 14
	// PageSize is the size of a pool page. All pool cells of one size class
	// share a page; page metadata is addressed through a multi-level table
	// keyed by the upper address bits.
	PageSize = 1 << pageLg2

	wordSize   = unsafe.Sizeof(uintptr(0))
	headerSize = wordSize
	heapAlign  = 16

	// Data in a page starts at pageOffset so that payloads are heapAlign
	// aligned. The first page word stays free: it threads the list of empty
	// pages hanging off a pool's bump chain.
	pageOffset = heapAlign - headerSize%heapAlign

	cacheLineSize = 64
)

// GC bits, stored in the low two bits of every object header.
//
//	bitsClean      live young, unmarked
//	bitsMarked     live young, reached this cycle
//	bitsOld        live old, unmarked; survives quick sweeps unscanned
//	bitsOldMarked  live old, reached this cycle
const (
	bitsClean     = uintptr(0)
	bitsMarked    = uintptr(1)
	bitsOld       = uintptr(2)
	bitsOldMarked = uintptr(3)
	bitsMask      = uintptr(3)
)

// promoteAge is the number of sweeps an object must survive before a later
// sweep, quick or full, promotes it to the old generation.
const promoteAge = 1

// buffTag marks headers of untyped managed buffers (array storage, binding
// cells, exception stacks). It is a multiple of PageSize so it can never be
// mistaken for a type pointer by the conservative scanner.
const buffTag = uintptr(0x4eadc000)

func gcMarked(bits uintptr) bool { return bits&bitsMarked != 0 }
func gcOld(bits uintptr) bool    { return bits&bitsOld != 0 }

// Value is a reference to a managed object: the address of its first data
// word. The word-sized header sits immediately before it.
type Value uintptr

// taggedValue overlays the header word of an object. While the cell is on a
// freelist the same word holds the link to the next free cell instead.
type taggedValue struct {
	header uintptr
}

func (v Value) tagged() *taggedValue {
	return (*taggedValue)(unsafe.Pointer(uintptr(v) - headerSize))
}

func (t *taggedValue) value() Value {
	return Value(uintptr(unsafe.Pointer(t)) + headerSize)
}

func (t *taggedValue) bits() uintptr    { return t.header & bitsMask }
func (t *taggedValue) setBits(b uintptr) { t.header = t.header&^bitsMask | b }

func (t *taggedValue) loadHeader() uintptr {
	return atomic.LoadUintptr(&t.header)
}

// next reads the freelist link stored in the header word.
func (t *taggedValue) next() *taggedValue {
	return (*taggedValue)(unsafe.Pointer(t.header))
}

func (t *taggedValue) setNext(n *taggedValue) {
	t.header = uintptr(unsafe.Pointer(n))
}

// TypeOf returns the layout descriptor encoded in v's header. The result is
// meaningless for untyped buffers.
func TypeOf(v Value) *Type {
	return (*Type)(unsafe.Pointer(v.tagged().header &^ bitsMask))
}

// pageData rounds an address inside a page down to the page start.
func pageData(p uintptr) uintptr {
	return p >> pageLg2 << pageLg2
}

// Collection selects how a collection was requested.
type Collection int

const (
	// CollectionAuto is an automatically triggered collection; the
	// controller decides between a quick and a full sweep.
	CollectionAuto Collection = iota
	// CollectionFull forces a full sweep and one follow-up auto collection.
	CollectionFull
)

// Mutator gc states. A nonzero state means the thread promises not to touch
// the managed heap until it transitions back to running, so the collector is
// free to run.
const (
	gcStateRunning = 0
	gcStateWaiting = 1 // parked at a safepoint
	gcStateSafe    = 2 // running unmanaged code (blocking syscalls etc.)
)

// Config carries the tunables and external collaborators of a heap. The zero
// value gives the defaults.
type Config struct {
	// DefaultCollectInterval is the initial allocation budget between
	// automatic collections. Zero means 5600*1024*wordSize.
	DefaultCollectInterval int64

	// MaxCollectInterval caps the auto-tuned interval. Zero means an
	// amount derived from total memory and CPU count at startup.
	MaxCollectInterval int64

	// MaxTotalMemory is a soft ceiling on live bytes. Once exceeded every
	// collection runs a full sweep. Zero means 70% of free memory.
	MaxTotalMemory uint64

	// Markers is the number of mark threads. Values above one enable
	// work-stealing parallel marking inside the stop-the-world window.
	Markers int

	// PrefetchMark routes mark-queue traffic through a small FIFO window so
	// that soon-to-be-scanned objects are touched ahead of use.
	PrefetchMark bool

	// RunFinalizer dispatches a managed finalizer callback. Required if
	// managed (non-raw) finalizers are registered.
	RunFinalizer func(fn, obj Value)

	// SweepStackPools, when set, is invoked during sweep so the task system
	// can reclaim inactive task stacks.
	SweepStackPools func()
}

// Heap is a collected heap plus all of its process-wide collector state.
// The fields group into independently synchronized regions: the global page
// pools and the permanent arena carry their own mutexes, the per-mutator
// heaps are single-writer, and the collection singleton is claimed by
// compare-and-swap.
type Heap struct {
	cfg Config

	mutatorsLock sync.Mutex
	mutators     []*Mutator

	memoryMap      *pagetable
	poolClean      pagePool
	poolToMadvise  pagePool
	poolMadvised   pagePool
	allocMapLock   sync.Mutex
	blockPgCnt     int
	osPageSize     uintptr
	madvFreeBroken atomic.Int32

	perm permArena

	finalizersLock      sync.Mutex
	cacheLock           sync.Mutex
	bigObjectsMarked    *bigVal
	finalizerListMarked finList
	toFinalize          []uintptr
	havePending         atomic.Int32
	rawFinsLock         sync.Mutex
	rawFins             []func(Value)

	gcRunning      atomic.Int32
	disableCounter atomic.Int32

	// Collection accounting. Written by the controller inside the
	// stop-the-world window; interval and deferredAlloc are also touched by
	// mutators and stay atomic.
	num              Stats
	interval         atomic.Int64
	deferredAlloc    atomic.Int64
	liveBytes        int64
	promotedBytes    int64
	lastLiveBytes    int64
	lastGCTotalBytes int64
	scannedBytes     int64
	permScannedBytes int64
	markResetAge     bool
	prevSweepFull    bool
	lazyFreedPages   int64
	lastTrimMaxRSS   int64
	tStart           int64

	maxCollectInterval int64
	maxTotalMemory     uint64

	supportConservative atomic.Int32

	unfinished atomic.Int64 // parallel mark termination counter

	typesLock sync.Mutex
	types     []*Type

	singletonType *Type
	stringType    *Type
	weakRefType   *Type
	nothing       Value

	rootsLock   sync.Mutex
	globalRoots []Value

	callbacks callbackLists
}

const (
	defaultMaxCollectInterval = int64(1250000000)
	defaultMaxTotalMemory     = uint64(2) << 40
)

// NewHeap creates a heap and resolves the tunables against the machine.
func NewHeap(cfg Config) (*Heap, error) {
	h := &Heap{
		cfg:        cfg,
		memoryMap:  new(pagetable),
		osPageSize: uintptr(unix.Getpagesize()),
		blockPgCnt: defaultBlockPgAlloc,
	}
	if PageSize*h.blockPgCnt < int(h.osPageSize) {
		h.blockPgCnt = int(h.osPageSize) / PageSize // exact division
	}

	interval := cfg.DefaultCollectInterval
	if interval == 0 {
		interval = defaultCollectInterval
	}
	h.interval.Store(interval)

	h.maxCollectInterval = cfg.MaxCollectInterval
	if h.maxCollectInterval == 0 {
		h.maxCollectInterval = defaultMaxCollectInterval
		// On a big memory machine, let the interval grow towards
		// totalmem / ncores / 2.
		var si unix.Sysinfo_t
		if err := unix.Sysinfo(&si); err == nil {
			maxmem := int64(uint64(si.Totalram) * uint64(si.Unit) / uint64(runtime.NumCPU()) / 2)
			if maxmem > h.maxCollectInterval {
				h.maxCollectInterval = maxmem
			}
		}
	}

	h.maxTotalMemory = cfg.MaxTotalMemory
	if h.maxTotalMemory == 0 {
		h.maxTotalMemory = defaultMaxTotalMemory
		// Allocate with abandon until we get close to the free memory on
		// the machine: 70% high water mark.
		var si unix.Sysinfo_t
		if err := unix.Sysinfo(&si); err == nil {
			if hw := uint64(si.Freeram) * uint64(si.Unit) / 10 * 7; hw < h.maxTotalMemory {
				h.maxTotalMemory = hw
			}
		}
	}

	if cfg.Markers <= 0 {
		h.cfg.Markers = 1
	}

	h.tStart = nanotime()

	h.singletonType = &Type{Name: "singleton", Kind: KindObject, Size: 0}
	h.stringType = &Type{Name: "string", Kind: KindString}
	h.weakRefType = &Type{Name: "weakref", Kind: KindWeakRef, Size: wordSize}
	h.types = append(h.types, h.singletonType, h.stringType, h.weakRefType)

	// The canonical cleared-weakref sentinel lives in the permanent arena
	// and is old+marked forever.
	base := h.PermAlloc(headerSize+heapAlign, true, heapAlign, pageOffset)
	tv := (*taggedValue)(unsafe.Pointer(uintptr(base) + pageOffset - headerSize))
	tv.header = uintptr(unsafe.Pointer(h.singletonType)) | bitsOldMarked
	h.nothing = tv.value()

	return h, nil
}

// Nothing returns the canonical sentinel that cleared weak references point
// to.
func (h *Heap) Nothing() Value { return h.nothing }

// StringType returns the builtin layout used by AllocString.
func (h *Heap) StringType() *Type { return h.stringType }

// WeakRefType returns the builtin layout used by NewWeakRef.
func (h *Heap) WeakRefType() *Type { return h.weakRefType }

// RegisterType records a layout descriptor so the collector may hold on to
// it via raw object headers. Every *Type passed to an allocation function
// must have been registered.
func (h *Heap) RegisterType(t *Type) {
	h.typesLock.Lock()
	h.types = append(h.types, t)
	h.typesLock.Unlock()
}

// AddGlobalRoot registers v as a root for every collection.
func (h *Heap) AddGlobalRoot(v Value) {
	h.rootsLock.Lock()
	h.globalRoots = append(h.globalRoots, v)
	h.rootsLock.Unlock()
}

// Enable turns automatic collection on or off for the calling mutator and
// returns the previous setting. The process-wide disable counter nests
// across mutators; collection resumes once every disable has been undone.
func (m *Mutator) Enable(on bool) bool {
	h := m.heap
	prev := !m.disableGC
	m.disableGC = !on
	if on && !prev {
		// disable -> enable
		if h.disableCounter.Add(-1) == 0 {
			h.num.Allocd += h.deferredAlloc.Swap(0)
		}
	} else if prev && !on {
		// enable -> disable
		h.disableCounter.Add(1)
		// check if the GC is running and wait for it to finish
		m.Safepoint()
	}
	return prev
}

// IsEnabled reports whether automatic collection is enabled for the calling
// mutator.
func (m *Mutator) IsEnabled() bool { return !m.disableGC }

// SetMaxMemory adjusts the soft ceiling on live bytes.
func (h *Heap) SetMaxMemory(max uint64) {
	if max > 0 && max < 1<<62 {
		h.maxTotalMemory = max
	}
}

// MaxInternalObjSize returns the largest payload served by the pools; larger
// objects take the big-object path.
func MaxInternalObjSize() uintptr { return maxSmallSize }

// ExternalObjHdrSize returns the size of the header prepended to big
// objects.
func ExternalObjHdrSize() uintptr { return unsafe.Sizeof(bigVal{}) }

func nanotime() int64 { return time.Now().UnixNano() }
