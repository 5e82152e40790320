package gc

import (
	"sync/atomic"
	"unsafe"
)

// Kind selects the scanning strategy for a type.
type Kind uint8

const (
	// KindObject is a fixed-layout object scanned through its pointer
	// offset table.
	KindObject Kind = iota
	// KindObjArray is a length-prefixed contiguous array of Values:
	// {len, v0, v1, ...}.
	KindObjArray
	// KindString is a length-prefixed byte string: {len, bytes..., NUL}.
	// Strings hold no pointers.
	KindString
	// KindWeakRef is a single-slot object whose referent is not traced;
	// sweep clears it when the referent dies.
	KindWeakRef
	// KindArray is an array descriptor (see the array struct) whose
	// storage may be inline, a managed buffer, a tracked malloc'd buffer,
	// or owned by another array.
	KindArray
	// KindModule is a namespace object holding a hash table of bindings.
	KindModule
	// KindTask is a task object carrying a shadow stack of GC roots and an
	// exception stack, followed by ordinary pointer fields.
	KindTask
	// KindDynamic delegates scanning to the type's MarkFunc.
	KindDynamic
)

// Field descriptor widths. The pointer offset table of a type is stored in
// the narrowest element type that fits its field indices; dynamic types use
// a mark function instead.
const (
	fieldDesc8 = iota
	fieldDesc16
	fieldDesc32
	fieldDescDyn
)

// Type describes the layout of one kind of managed object. It is the
// collector-facing half of the language's type oracle: the runtime embedding
// this collector constructs one Type per datatype and registers it with the
// heap.
//
// The header of every object stores the *Type pointer in its upper bits, so
// a Type must stay reachable for as long as objects of it exist; RegisterType
// takes care of that.
type Type struct {
	Name string

	// Size is the fixed payload size in bytes. Ignored for variable-sized
	// kinds (strings, object arrays).
	Size uintptr

	Kind Kind

	// NPointers is the number of managed pointer slots of a fixed-layout
	// object, or of one element for arrays with inline element layouts.
	NPointers uint32

	// FieldDescType selects which offset table below is authoritative:
	// 0 = Ptrs8, 1 = Ptrs16, 2 = Ptrs32. Value 3 names no table; MarkFunc
	// runs only for KindDynamic types, and a KindObject with selector 3 is
	// reported as a corrupt type.
	FieldDescType uint8

	// Word indices of the pointer slots, in ascending order.
	Ptrs8  []uint8
	Ptrs16 []uint16
	Ptrs32 []uint32

	// FirstPtr is the word index of the first pointer slot, or -1.
	FirstPtr int32

	// Elem is the element type for KindArray.
	Elem *Type
	// PtrArray marks arrays whose elements are bare Values.
	PtrArray bool
	// HasPtr marks arrays of inline structs that contain pointer slots.
	HasPtr bool

	// MarkFunc scans one object of a dynamic type. It returns nonzero if
	// the object references young data, so the caller can maintain the
	// remembered set.
	MarkFunc func(mc *MarkContext, v Value) uintptr

	// SweepFunc is invoked for unmarked objects of types scheduled through
	// ScheduleForeignSweep.
	SweepFunc func(v Value)
}

// ptrOffset returns the idx'th pointer slot index of t.
func (t *Type) ptrOffset(idx uint32) uintptr {
	switch t.FieldDescType {
	case fieldDesc8:
		return uintptr(t.Ptrs8[idx])
	case fieldDesc16:
		return uintptr(t.Ptrs16[idx])
	default:
		return uintptr(t.Ptrs32[idx])
	}
}

// Raw layouts interpreted by the mark and sweep engines. These overlay the
// payload of managed objects, so every field must stay word sized.

// array is the payload of a KindArray object.
type array struct {
	data    uintptr // first element
	length  uintptr
	flags   uintptr
	elsize  uintptr
	offset  uintptr // element offset of data into the allocated buffer
	maxsize uintptr // elements allocated
	owner   Value   // set when how == arrayHowOwner
}

// Storage disciplines for array data.
const (
	arrayHowInline = uintptr(0) // data follows the descriptor
	arrayHowBuffer = uintptr(1) // data is a managed (buffTag) buffer
	arrayHowMalloc = uintptr(2) // data is a tracked external allocation
	arrayHowOwner  = uintptr(3) // data belongs to the owner array

	arrayFlagAligned = uintptr(1 << 2)
)

func arrayOf(v Value) *array { return (*array)(unsafe.Pointer(v)) }

func (a *array) how() uintptr    { return a.flags & 3 }
func (a *array) aligned() bool   { return a.flags&arrayFlagAligned != 0 }
func (a *array) bufBase() uintptr { return a.data - a.offset*a.elsize }

func (a *array) nbytes() uintptr {
	return a.elsize * a.maxsize
}

// module is the payload of a KindModule object. The bindings table is a
// managed buffer of (name, binding) pairs; absent binding slots hold
// htNotFound. Each binding is a managed buffer with the binding layout.
type module struct {
	bindings     uintptr // managed buffer: (name, binding) pairs
	bindingsSize uintptr // table length in words
	parent       Value
	usingsItems  uintptr // managed buffer of Values, or 0
	usingsLen    uintptr
}

// htNotFound is the absent-slot sentinel of binding tables.
const htNotFound = uintptr(1)

func moduleOf(v Value) *module { return (*module)(unsafe.Pointer(v)) }

// binding is the payload layout of one name binding cell.
type binding struct {
	name      uintptr
	value     Value
	globalref Value
}

func (b *binding) loadValue() Value {
	return Value(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(&b.value))))
}

// task is the leading payload of a KindTask object. Pointer fields described
// by the type's offset table follow it.
type task struct {
	gcStack  uintptr // *GCFrame; not a managed pointer
	excStack Value   // managed exception stack buffer, or 0
}

// GCFrame is one frame of a shadow stack of GC roots. Root slots follow the
// two header fields in memory. The low two bits of NRoots encode flags:
// bit 0 set means the slots are pointers to Value locations rather than
// Values themselves.
//
// In direct frames a root with its low bit set is a finalizer-list entry:
// the tag is cleared before marking and the following slot holds an unboxed
// callback that must be skipped.
type GCFrame struct {
	NRoots uintptr
	Prev   *GCFrame
}

// EncodeNRoots packs a root count and the indirection flag into the NRoots
// field format.
func EncodeNRoots(n uintptr, indirect bool) uintptr {
	v := n << 2
	if indirect {
		v |= 1
	}
	return v
}

// excStack is the payload of an exception stack buffer. Backtrace words
// follow the two header fields. A stack of entries grows upward; entry i is
// delimited by data[top-1] = exception, data[top-2] = backtrace size, with
// the backtrace words below.
//
// Backtrace words use one-word native frames (low bit clear) and extended
// frames whose header word (low bit set) gives the number of managed values
// that follow: header>>1.
type excStack struct {
	top          uintptr
	reservedSize uintptr
}

func excStackOf(v Value) *excStack { return (*excStack)(unsafe.Pointer(v)) }

func (e *excStack) word(i uintptr) uintptr {
	p := uintptr(unsafe.Pointer(e)) + 2*wordSize + i*wordSize
	return *(*uintptr)(unsafe.Pointer(p))
}

// btEntrySize returns the number of words entry at index i spans.
func btEntrySize(header uintptr) uintptr {
	if header&1 == 0 {
		return 1 // native frame
	}
	return 1 + header>>1
}

func btIsNative(header uintptr) bool { return header&1 == 0 }

func btNumManaged(header uintptr) uintptr { return header >> 1 }
