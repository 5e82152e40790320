package gc

import (
	"reflect"
	"sync"
	"unsafe"
)

// Extension callbacks. Embedders hook the named collection phases; each
// list is invoked in registration order. Registration is idempotent per
// function; deregistration is O(n).

// RootScannerFunc runs after the builtin roots are queued, so an embedder
// can queue additional roots through the context.
type RootScannerFunc func(mc *MarkContext, kind Collection)

// TaskScannerFunc runs for every task object reached by the marker.
type TaskScannerFunc func(mc *MarkContext, task Value, isRootTask bool)

// PreGCFunc and PostGCFunc bracket the stop-the-world window.
type PreGCFunc func(kind Collection)
type PostGCFunc func(kind Collection)

// NotifyExternalAllocFunc observes big-object allocations;
// NotifyExternalFreeFunc observes their release, receiving the header.
type NotifyExternalAllocFunc func(hdr unsafe.Pointer, size uintptr)
type NotifyExternalFreeFunc func(hdr unsafe.Pointer)

type callbackNode struct {
	fn   any
	key  uintptr
	next *callbackNode
}

type callbackLists struct {
	lock sync.Mutex

	rootScanner    *callbackNode
	taskScanner    *callbackNode
	preGC          *callbackNode
	postGC         *callbackNode
	notifyExtAlloc *callbackNode
	notifyExtFree  *callbackNode
}

func funcKey(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

func (c *callbackLists) register(list **callbackNode, fn any) {
	c.lock.Lock()
	defer c.lock.Unlock()
	key := funcKey(fn)
	for n := *list; n != nil; n = n.next {
		if n.key == key {
			return
		}
	}
	node := &callbackNode{fn: fn, key: key}
	for *list != nil {
		list = &(*list).next
	}
	*list = node
}

func (c *callbackLists) deregister(list **callbackNode, fn any) {
	c.lock.Lock()
	defer c.lock.Unlock()
	key := funcKey(fn)
	for *list != nil {
		if (*list).key == key {
			*list = (*list).next
			return
		}
		list = &(*list).next
	}
}

// SetRootScanner registers (enable) or removes (disable) a root scanner.
func (h *Heap) SetRootScanner(fn RootScannerFunc, enable bool) {
	if enable {
		h.callbacks.register(&h.callbacks.rootScanner, fn)
	} else {
		h.callbacks.deregister(&h.callbacks.rootScanner, fn)
	}
}

// SetTaskScanner registers or removes a task scanner.
func (h *Heap) SetTaskScanner(fn TaskScannerFunc, enable bool) {
	if enable {
		h.callbacks.register(&h.callbacks.taskScanner, fn)
	} else {
		h.callbacks.deregister(&h.callbacks.taskScanner, fn)
	}
}

// SetPreGC registers or removes a callback run before marking starts.
func (h *Heap) SetPreGC(fn PreGCFunc, enable bool) {
	if enable {
		h.callbacks.register(&h.callbacks.preGC, fn)
	} else {
		h.callbacks.deregister(&h.callbacks.preGC, fn)
	}
}

// SetPostGC registers or removes a callback run after the world restarts.
func (h *Heap) SetPostGC(fn PostGCFunc, enable bool) {
	if enable {
		h.callbacks.register(&h.callbacks.postGC, fn)
	} else {
		h.callbacks.deregister(&h.callbacks.postGC, fn)
	}
}

// SetNotifyExternalAlloc registers or removes a big-allocation observer.
func (h *Heap) SetNotifyExternalAlloc(fn NotifyExternalAllocFunc, enable bool) {
	if enable {
		h.callbacks.register(&h.callbacks.notifyExtAlloc, fn)
	} else {
		h.callbacks.deregister(&h.callbacks.notifyExtAlloc, fn)
	}
}

// SetNotifyExternalFree registers or removes a big-free observer.
func (h *Heap) SetNotifyExternalFree(fn NotifyExternalFreeFunc, enable bool) {
	if enable {
		h.callbacks.register(&h.callbacks.notifyExtFree, fn)
	} else {
		h.callbacks.deregister(&h.callbacks.notifyExtFree, fn)
	}
}

func (c *callbackLists) invokeRootScanner(mc *MarkContext, kind Collection) {
	for n := c.rootScanner; n != nil; n = n.next {
		n.fn.(RootScannerFunc)(mc, kind)
	}
}

func (c *callbackLists) invokeTaskScanner(mc *MarkContext, task Value, isRoot bool) {
	for n := c.taskScanner; n != nil; n = n.next {
		n.fn.(TaskScannerFunc)(mc, task, isRoot)
	}
}

func (c *callbackLists) invokePreGC(kind Collection) {
	for n := c.preGC; n != nil; n = n.next {
		n.fn.(PreGCFunc)(kind)
	}
}

func (c *callbackLists) invokePostGC(kind Collection) {
	for n := c.postGC; n != nil; n = n.next {
		n.fn.(PostGCFunc)(kind)
	}
}

func (c *callbackLists) notifyExternalAlloc(hdr unsafe.Pointer, size uintptr) {
	for n := c.notifyExtAlloc; n != nil; n = n.next {
		n.fn.(NotifyExternalAllocFunc)(hdr, size)
	}
}

func (c *callbackLists) notifyExternalFree(hdr unsafe.Pointer) {
	for n := c.notifyExtFree; n != nil; n = n.next {
		n.fn.(NotifyExternalFreeFunc)(hdr)
	}
}
