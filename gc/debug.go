package gc

import (
	"fmt"
	"os"
	"runtime/debug"
)

// gcPanic reports a fatal collector error. These are invariant violations,
// not user errors; there is no way to continue with a corrupt heap.
func gcPanic(msg string) {
	panic(msg)
}

// corruptType aborts a mark phase over an object with a broken header.
// It dumps what it can before unwinding, since the mark stack will not
// survive the panic.
func (h *Heap) corruptType(v Value) {
	fmt.Fprintf(os.Stderr, "GC error (probable corruption):\n")
	fmt.Fprintf(os.Stderr, "  value %#x header %#x\n", uintptr(v), v.tagged().header)
	h.debugPrintStatus()
	os.Stderr.Write(debug.Stack())
	gcPanic("gc: corrupt object header")
}

func (h *Heap) debugPrintStatus() {
	fmt.Fprintf(os.Stderr, "  live_bytes %d, interval %d, collections %d (%d full)\n",
		h.liveBytes, h.interval.Load(), h.num.Pause, h.num.FullSweep)
}

// dumpPage prints the cell states of one page, for debugging.
func (h *Heap) dumpPage(pg *pageMeta) {
	if !gcDebug {
		return
	}
	osize := uintptr(pg.osize)
	n := (PageSize - pageOffset) / osize
	println("page:", pg.data, "osize:", pg.osize, "nfree:", pg.nfree)
	for i := uintptr(0); i < n; i++ {
		tv := (*taggedValue)(cellAt(pg.data, i*osize))
		switch tv.bits() {
		case bitsClean:
			print("·")
		case bitsMarked:
			print("#")
		case bitsOld:
			print("o")
		case bitsOldMarked:
			print("O")
		}
		if i%64 == 63 || i+1 == n {
			println()
		}
	}
}
