// Command gcstress drives allocation scenarios against a live collected
// heap and reports what the collector did. It doubles as a smoke test for
// embedders: every allocation path, the write barrier, weak references and
// finalizers can be exercised from a small YAML file.
//
// Usage:
//
//	gcstress [-c gcstress.yaml]
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"unsafe"

	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"

	"github.com/tinygc-org/tinygc/gc"
	"github.com/tinygc-org/tinygc/internal/gclayout"
)

const (
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"
)

// runner executes scenarios against one heap.
type runner struct {
	heap *gc.Heap
	mut  *gc.Mutator

	// kept values stay reachable through the root scanner below.
	kept []gc.Value

	// pairType is a two-pointer node used to build linked structures.
	pairType *gc.Type
	// byteTypes caches pointer-free types by payload size.
	byteTypes map[uintptr]*gc.Type

	finalized atomic.Int64
	weakRefs  []gc.Value
}

func newRunner(cfg *Config) (*runner, error) {
	maxMem, err := cfg.maxTotalMemory()
	if err != nil {
		return nil, err
	}
	interval, err := cfg.collectInterval()
	if err != nil {
		return nil, err
	}
	heap, err := gc.NewHeap(gc.Config{
		MaxTotalMemory:         maxMem,
		DefaultCollectInterval: int64(interval),
		Markers:                cfg.Markers,
	})
	if err != nil {
		return nil, err
	}
	r := &runner{
		heap:      heap,
		mut:       heap.NewMutator(),
		byteTypes: make(map[uintptr]*gc.Type),
	}
	layout := gclayout.Make(2, 0b11)
	r.pairType = &gc.Type{
		Name:      "pair",
		Size:      2 * unsafe.Sizeof(uintptr(0)),
		Kind:      gc.KindObject,
		NPointers: uint32(len(layout.Offsets())),
		Ptrs8:     layout.Offsets(),
	}
	heap.RegisterType(r.pairType)
	heap.SetRootScanner(r.scanRoots, true)
	return r, nil
}

// scanRoots queues the held values each collection.
func (r *runner) scanRoots(mc *gc.MarkContext, kind gc.Collection) {
	for _, v := range r.kept {
		mc.QueueObj(v)
	}
	for _, v := range r.weakRefs {
		mc.QueueObj(v)
	}
}

func (r *runner) byteType(size uintptr) *gc.Type {
	t, ok := r.byteTypes[size]
	if !ok {
		t = &gc.Type{Name: "bytes", Size: size, Kind: gc.KindObject}
		r.heap.RegisterType(t)
		r.byteTypes[size] = t
	}
	return t
}

func (r *runner) run(o op) error {
	words := o.words
	argN := func(i int) (uintptr, error) {
		if i >= len(words) {
			return 0, fmt.Errorf("op %q: missing argument %d", words[0], i)
		}
		n, err := strconv.ParseUint(words[i], 10, 64)
		return uintptr(n), err
	}
	switch words[0] {
	case "churn":
		count, err := argN(1)
		if err != nil {
			return err
		}
		size, err := argN(2)
		if err != nil {
			return err
		}
		t := r.byteType(size)
		for i := uintptr(0); i < count; i++ {
			r.mut.Alloc(size, t)
		}
	case "keep":
		count, err := argN(1)
		if err != nil {
			return err
		}
		size, err := argN(2)
		if err != nil {
			return err
		}
		t := r.byteType(size)
		for i := uintptr(0); i < count; i++ {
			r.kept = append(r.kept, r.mut.Alloc(size, t))
		}
	case "big":
		count, err := argN(1)
		if err != nil {
			return err
		}
		size, err := argN(2)
		if err != nil {
			return err
		}
		t := r.byteType(size)
		for i := uintptr(0); i < count; i++ {
			r.kept = append(r.kept, r.mut.AllocBig(size, t))
		}
	case "list":
		count, err := argN(1)
		if err != nil {
			return err
		}
		var head gc.Value
		for i := uintptr(0); i < count; i++ {
			node := r.mut.Alloc(r.pairType.Size, r.pairType)
			*(*gc.Value)(unsafe.Pointer(node)) = head
			*(*gc.Value)(unsafe.Pointer(uintptr(node) + unsafe.Sizeof(uintptr(0)))) = 0
			head = node
		}
		r.kept = append(r.kept, head)
	case "weakref":
		count, err := argN(1)
		if err != nil {
			return err
		}
		size, err := argN(2)
		if err != nil {
			return err
		}
		t := r.byteType(size)
		for i := uintptr(0); i < count; i++ {
			r.weakRefs = append(r.weakRefs, r.mut.NewWeakRef(r.mut.Alloc(size, t)))
		}
	case "finalize":
		count, err := argN(1)
		if err != nil {
			return err
		}
		size, err := argN(2)
		if err != nil {
			return err
		}
		t := r.byteType(size)
		for i := uintptr(0); i < count; i++ {
			v := r.mut.Alloc(size, t)
			r.mut.AddRawFinalizer(v, func(gc.Value) {
				r.finalized.Add(1)
			})
		}
	case "drop":
		r.kept = r.kept[:0]
	case "collect":
		kind := gc.CollectionAuto
		if len(words) > 1 && words[1] == "full" {
			kind = gc.CollectionFull
		}
		r.mut.Collect(kind)
	case "stats":
		r.printStats()
	default:
		return fmt.Errorf("unknown op %q", words[0])
	}
	return nil
}

func (r *runner) printStats() {
	num := r.heap.Num()
	fmt.Printf("  live %s, pauses %d (%d full), max pause %dµs, finalized %d\n",
		formatSize(r.heap.LiveBytes()), num.Pause, num.FullSweep,
		num.MaxPause/1000, r.finalized.Load())
}

func main() {
	configPath := flag.String("c", "gcstress.yaml", "stress configuration file")
	flag.Parse()

	out := colorable.NewColorableStdout()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gcstress:", err)
		os.Exit(1)
	}

	// Serialize trace output across concurrent stress runs.
	var trace *os.File
	if cfg.TraceFile != "" {
		lock := flock.New(cfg.TraceFile + ".lock")
		if err := lock.Lock(); err != nil {
			fmt.Fprintln(os.Stderr, "gcstress: lock trace file:", err)
			os.Exit(1)
		}
		defer lock.Unlock()
		trace, err = os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "gcstress:", err)
			os.Exit(1)
		}
		defer trace.Close()
	}

	r, err := newRunner(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gcstress:", err)
		os.Exit(1)
	}

	failed := 0
	for _, sc := range cfg.Scenarios {
		ops, err := sc.parse()
		if err != nil {
			fmt.Fprintln(os.Stderr, "gcstress:", err)
			os.Exit(1)
		}
		fmt.Fprintf(out, "==> %s\n", sc.Name)
		scErr := error(nil)
		for _, o := range ops {
			if err := r.run(o); err != nil {
				scErr = err
				break
			}
		}
		num := r.heap.Num()
		if scErr != nil {
			failed++
			fmt.Fprintf(out, "%sFAIL%s %s: %v\n", ansiRed, ansiReset, sc.Name, scErr)
		} else {
			fmt.Fprintf(out, "%sok%s   %s: live %s after %d pauses\n",
				ansiGreen, ansiReset, sc.Name, formatSize(r.heap.LiveBytes()), num.Pause)
		}
		if trace != nil {
			fmt.Fprintf(trace, "%s live=%d pauses=%d full=%d finalized=%d\n",
				sc.Name, r.heap.LiveBytes(), num.Pause, num.FullSweep, r.finalized.Load())
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}
