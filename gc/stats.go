package gc

// Stats is the collector's counter block. combineThreadCounts folds the
// per-mutator atomic counters into it at the start of each cycle; the
// controller owns it inside the stop-the-world window.
type Stats struct {
	Allocd        int64
	DeferredAlloc int64
	Freed         int64
	Malloc        uint64
	Realloc       uint64
	PoolAlloc     uint64
	BigAlloc      uint64
	FreeCall      uint64

	TotalTime   uint64
	TotalAllocd int64
	SinceSweep  int64
	Interval    int64

	Pause     int
	FullSweep int

	MaxPause           uint64
	MaxMemory          uint64
	TimeToSafepoint    uint64
	MaxTimeToSafepoint uint64
	SweepTime          uint64
	MarkTime           uint64
	TotalSweepTime     uint64
	TotalMarkTime      uint64
}

// combineThreadCounts folds every mutator's counters into the global block.
// Each mutator's allocd sits at -interval when untouched, so the interval is
// added back per thread.
func (h *Heap) combineThreadCounts(dest *Stats) {
	interval := h.interval.Load()
	for _, m := range h.mutators {
		dest.Allocd += m.allocd.Load() + interval
		dest.Freed += m.freed.Load()
		dest.Malloc += m.nmalloc.Load()
		dest.Realloc += m.nrealloc.Load()
		dest.PoolAlloc += m.npoolalloc.Load()
		dest.BigAlloc += m.nbigalloc.Load()
		dest.FreeCall += m.nfreecall.Load()
	}
}

// resetThreadCounts rearms every mutator's allocation budget.
func (h *Heap) resetThreadCounts() {
	interval := h.interval.Load()
	for _, m := range h.mutators {
		m.allocd.Store(-interval)
		m.freed.Store(0)
		m.nmalloc.Store(0)
		m.nrealloc.Store(0)
		m.npoolalloc.Store(0)
		m.nbigalloc.Store(0)
		m.nfreecall.Store(0)
	}
}

// ResetAllocCount folds outstanding allocation accounting into live bytes
// and rearms the budgets, without collecting.
func (h *Heap) ResetAllocCount() {
	h.combineThreadCounts(&h.num)
	h.liveBytes += h.deferredAlloc.Swap(0) + h.num.Allocd
	h.num.Allocd = 0
	h.num.DeferredAlloc = 0
	h.resetThreadCounts()
}

// Num returns a snapshot of the counter block with the per-thread counters
// folded in.
func (h *Heap) Num() Stats {
	num := h.num
	num.Interval = h.interval.Load()
	num.DeferredAlloc = h.deferredAlloc.Load()
	h.combineThreadCounts(&num)
	return num
}

// LiveBytes returns the collector's live-byte estimate as of the last
// cycle.
func (h *Heap) LiveBytes() int64 { return h.liveBytes }

// TotalBytes returns total bytes allocated over the life of the heap.
func (h *Heap) TotalBytes() int64 {
	num := h.Num()
	return num.TotalAllocd + num.DeferredAlloc + num.Allocd
}

// DiffTotalBytes returns bytes allocated since the previous call.
func (h *Heap) DiffTotalBytes() int64 {
	oldtb := h.lastGCTotalBytes
	newtb := h.TotalBytes()
	h.lastGCTotalBytes = newtb
	return newtb - oldtb
}

// SyncTotalBytes rebases the DiffTotalBytes baseline by offset and returns
// the delta against the old baseline.
func (h *Heap) SyncTotalBytes(offset int64) int64 {
	oldtb := h.lastGCTotalBytes
	newtb := h.TotalBytes()
	h.lastGCTotalBytes = newtb - offset
	return newtb - oldtb
}

// TotalTime returns the cumulative stop-the-world time in nanoseconds.
func (h *Heap) TotalTime() uint64 { return h.num.TotalTime }

// ResetStats clears the high-water marks.
func (h *Heap) ResetStats() {
	h.num.MaxPause = 0
	h.num.MaxMemory = 0
	h.num.MaxTimeToSafepoint = 0
}
