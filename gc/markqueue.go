package gc

// The mark queue is a per-marker stack of objects whose outgoing references
// still need scanning. Depth-first order keeps the peak queue size small.
//
// In prefetch mode a small FIFO window sits in front of the stack: pops are
// served from the window while the next stack entry is pulled in early, so
// the header of an object has a chance to reach cache before it is scanned.
const (
	pfMin  = 1 << 6
	pfSize = 1 << 8
)

type markQueue struct {
	stack []Value
	n     int

	prefetch bool
	pf       [pfSize]Value
	pfTop    uint64
	pfBottom uint64
}

func (mq *markQueue) init(capacity int, prefetch bool) {
	mq.stack = make([]Value, capacity)
	mq.n = 0
	mq.prefetch = prefetch
	mq.pfTop = 0
	mq.pfBottom = 0
}

// resize doubles the stack.
func (mq *markQueue) resize() {
	grown := make([]Value, 2*len(mq.stack))
	copy(grown, mq.stack[:mq.n])
	mq.stack = grown
}

func (mq *markQueue) pushStack(obj Value) {
	if mq.n == len(mq.stack) {
		mq.resize()
	}
	mq.stack[mq.n] = obj
	mq.n++
}

func (mq *markQueue) push(obj Value) {
	if !mq.prefetch {
		mq.pushStack(obj)
		return
	}
	if mq.pfBottom-mq.pfTop >= pfSize {
		// Prefetch window overflowed: push to the mark stack.
		mq.pushStack(obj)
		return
	}
	mq.pf[mq.pfBottom%pfSize] = obj
	mq.pfBottom++
}

func (mq *markQueue) pop() (Value, bool) {
	if !mq.prefetch {
		if mq.n == 0 {
			return 0, false
		}
		mq.n--
		return mq.stack[mq.n], true
	}
	// Window nearly empty and the stack has work: pop the stack directly.
	if mq.pfBottom-mq.pfTop <= pfMin && mq.n != 0 {
		mq.n--
		return mq.stack[mq.n], true
	}
	if mq.pfBottom-mq.pfTop > 0 {
		obj := mq.pf[mq.pfTop%pfSize]
		mq.pfTop++
		// Refill: move one stack entry into the window so it warms up
		// before its turn.
		if mq.n != 0 {
			mq.n--
			next := mq.stack[mq.n]
			prefetchRead(next)
			mq.pf[mq.pfBottom%pfSize] = next
			mq.pfBottom++
		}
		return obj, true
	}
	return 0, false
}

func (mq *markQueue) empty() bool {
	return mq.n == 0 && mq.pfBottom == mq.pfTop
}

// prefetchRead touches the header of an object about to be scanned. Go has
// no portable prefetch intrinsic; the plain load serves the same purpose at
// the cost of blocking on the miss here instead of at scan time.
func prefetchRead(v Value) {
	_ = v.tagged().loadHeader()
}
