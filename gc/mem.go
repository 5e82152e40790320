//go:build linux

package gc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// OS memory primitives. All managed memory is mapped anonymously and stays
// invisible to the Go runtime; freeing rebuilds the byte slice over the
// original mapping, so no allocation registry is needed.

func osRound(sz uintptr, pagesize uintptr) uintptr {
	return (sz + pagesize - 1) &^ (pagesize - 1)
}

// osAlloc maps a zeroed region of at least sz bytes. The mapping is aligned
// to the OS page size, which satisfies the cache-line alignment big-object
// headers need.
func (h *Heap) osAlloc(sz uintptr) uintptr {
	sz = osRound(sz, h.osPageSize)
	b, err := unix.Mmap(-1, 0, int(sz),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// osFree unmaps a region returned by osAlloc with the same size.
func (h *Heap) osFree(p uintptr, sz uintptr) {
	sz = osRound(sz, h.osPageSize)
	_ = unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(p)), sz))
}

// osReallocAligned grows (or shrinks) an osAlloc region. There is no
// in-place growth for anonymous mappings, so this is map-copy-unmap.
func (h *Heap) osReallocAligned(p uintptr, sz, oldsz uintptr) uintptr {
	b := h.osAlloc(sz)
	if b == 0 {
		return 0
	}
	n := oldsz
	if sz < n {
		n = sz
	}
	memmove(b, p, n)
	h.osFree(p, oldsz)
	return b
}

// madvise hints that a region's contents are no longer needed. MADV_FREE is
// preferred; the first EINVAL switches the heap to MADV_DONTNEED for good.
func (h *Heap) madvise(p uintptr, sz uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), sz)
	if h.madvFreeBroken.Load() == 0 {
		if err := unix.Madvise(b, unix.MADV_FREE); err == nil {
			return
		}
		h.madvFreeBroken.Store(1)
	}
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}

// maxRSS returns the process max resident set size in bytes.
func maxRSS() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return ru.Maxrss * 1024
}

func memmove(dst, src, n uintptr) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}

func memclr(p, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
	for i := range b {
		b[i] = 0
	}
}
