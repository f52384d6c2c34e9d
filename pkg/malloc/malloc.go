// Package malloc is the public shim named in spec.md §6/§7: a C-style
// allocation API (Malloc, Free, Calloc, Realloc, AlignedAlloc,
// PosixMemalign, Reallocarray, MallocUsableSize) built on top of
// internal/local's explicit LocalAllocator handles, plus the
// convenience layer SPEC_FULL.md §6 adds for callers that want the
// literal one-allocator-per-OS-thread model spec.md assumes: a Heap
// binds a LocalAllocator to the calling OS thread on first use
// (runtime.LockOSThread + unix.Gettid, stored in a sync.Map) and tears
// it down again on ReleaseThread.
//
// There is no cgo-export boundary here (out of spec.md §1's scope) so
// there is no real errno to set; every allocating function instead
// returns (unsafe.Pointer, error). Argument errors are syscall.Errno
// values a cgo wrapper could pass through as errno: EINVAL for a bad
// alignment or a Realloc of a pointer that is not a live allocation,
// EOVERFLOW for an n*size that overflows. A failed allocation returns
// the wrapped error of the layer that failed, not syscall.ENOMEM.
package malloc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coreheap/coreheap/internal/addrspace"
	"github.com/coreheap/coreheap/internal/chunkalloc"
	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/core"
	"github.com/coreheap/coreheap/internal/local"
	"github.com/coreheap/coreheap/internal/pagemap"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/sizeclass"
	"github.com/coreheap/coreheap/internal/stats"
)

// Heap is a complete, independently configured allocator instance: a
// shared chunk allocator, pagemap, and core-allocator pool, plus a
// per-OS-thread LocalAllocator cache. Most processes want exactly one;
// construct more only to isolate allocation domains (e.g. a test that
// wants its own chunk cache).
type Heap struct {
	pal     pal.PAL
	tbl     *sizeclass.Table
	pm      *pagemap.Pagemap
	addrMgr *addrspace.Manager
	chunks  *chunkalloc.Allocator
	pool    *core.Pool
	cfg     config.Config

	Stats *stats.Registry

	nextCoreID atomic.Uint64
	threads    sync.Map // int (OS thread id) -> *local.LocalAllocator
}

// NewHeap constructs a Heap over p. Starts the chunk allocator's decay
// timer if p supports it (pal.CapTimers); callers embedding a Heap for
// the lifetime of a process should call Close when done to stop it.
func NewHeap(p pal.PAL, cfg config.Config, statsNamespace string) *Heap {
	tbl := sizeclass.NewTable(cfg.MinAllocBits, cfg.IntermediateBits, nil)
	mgr := addrspace.New(p)
	chunks := chunkalloc.New(mgr, p, tbl, cfg)
	if p.Capabilities()&pal.CapTimers != 0 {
		chunks.Start()
	}
	h := &Heap{
		pal:     p,
		tbl:     tbl,
		pm:      &pagemap.Pagemap{},
		addrMgr: mgr,
		chunks:  chunks,
		pool:    core.NewPool(p),
		cfg:     cfg,
		Stats:   stats.New(statsNamespace),
	}
	return h
}

// Close stops the chunk allocator's decay timer. Outstanding
// allocations remain valid; Close only affects background decay.
func (h *Heap) Close() {
	h.chunks.Stop()
}

func (h *Heap) newCoreAllocator() *core.CoreAllocator {
	id := h.nextCoreID.Add(1)
	return core.New(id, h.tbl, h.chunks, h.addrMgr, h.pm, h.pal, h.cfg)
}

// threadLocal returns (creating if necessary) the LocalAllocator bound
// to the calling OS thread. Pins the goroutine to its current OS
// thread for as long as the returned handle might be used from it;
// ReleaseThread undoes the pin.
func (h *Heap) threadLocal() *local.LocalAllocator {
	runtime.LockOSThread()
	tid := unix.Gettid()
	if v, ok := h.threads.Load(tid); ok {
		return v.(*local.LocalAllocator)
	}
	l := local.New(h.pool, h.newCoreAllocator, h.tbl, h.pm, h.cfg)
	h.threads.Store(tid, l)
	return l
}

// ReleaseThread flushes and detaches the calling OS thread's
// LocalAllocator (if one was ever created) and unpins the goroutine
// from its OS thread. Call this when a thread that has called into the
// Heap is about to exit, so its CoreAllocator returns to the pool for
// reuse rather than sitting idle forever (spec.md §6's thread
// lifecycle hook).
func (h *Heap) ReleaseThread() {
	tid := unix.Gettid()
	if v, ok := h.threads.LoadAndDelete(tid); ok {
		v.(*local.LocalAllocator).Detach()
	}
	runtime.UnlockOSThread()
}

// Malloc allocates at least size bytes. Matches C malloc's zero-size
// behavior of returning a valid, distinct, freeable pointer rather
// than nil (spec.md §6).
func (h *Heap) Malloc(size uintptr) (unsafe.Pointer, error) {
	addr, err := h.threadLocal().Alloc(uint64(size))
	if err != nil {
		return nil, err
	}
	h.recordAlloc(size)
	return unsafe.Pointer(addr), nil
}

func (h *Heap) recordAlloc(size uintptr) {
	if size > uintptr(h.tbl.MaxSize()) {
		h.Stats.RecordAlloc("large")
	} else {
		h.Stats.RecordAlloc("small")
	}
}

// Free releases p, which must have come from this Heap's Malloc family
// (or be nil, a no-op matching C free).
func (h *Heap) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	path := "small"
	if e, ok := h.pm.GetMetaEntry(uintptr(p)); ok && e.Kind == pagemap.KindLarge {
		path = "large"
	}
	if err := h.threadLocal().Free(uintptr(p)); err != nil {
		return err
	}
	h.Stats.RecordFree(path)
	return nil
}

// mulOverflow reports a*b and whether the multiplication overflowed
// uintptr, for Calloc/Reallocarray's EOVERFLOW check (spec.md §7).
func mulOverflow(a, b uintptr) (uintptr, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	p := a * b
	return p, p/a != b
}

// Calloc allocates space for n objects of size bytes each, zeroed,
// returning syscall.EOVERFLOW if n*size overflows uintptr.
func (h *Heap) Calloc(n, size uintptr) (unsafe.Pointer, error) {
	total, overflow := mulOverflow(n, size)
	if overflow {
		return nil, syscall.EOVERFLOW
	}
	p, err := h.Malloc(total)
	if err != nil {
		return nil, err
	}
	h.pal.Zero(p, total)
	return p, nil
}

// Realloc resizes the allocation at p to newSize, preserving the
// lesser of its old and new size's worth of content, matching C
// realloc's p==nil ("acts as Malloc") and newSize==0 ("acts as Free,
// returns nil") special cases.
func (h *Heap) Realloc(p unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if p == nil {
		return h.Malloc(newSize)
	}
	if newSize == 0 {
		return nil, h.Free(p)
	}
	oldSize, ok := h.AllocSize(p)
	if !ok {
		return nil, syscall.EINVAL
	}

	// In-place short-circuit: if both sizes round up to the same small
	// size class, the existing object already has the requested
	// capacity and p can be returned unchanged (spec.md §6). Gated to
	// sizes within the table's small-object range, since SizeToClass is
	// only meaningful there — a large (chunk-granular) allocation has
	// no size class to compare.
	if oldSize <= uintptr(h.tbl.MaxSize()) && newSize <= uintptr(h.tbl.MaxSize()) {
		if h.tbl.SizeToClass(uint64(oldSize)) == h.tbl.SizeToClass(uint64(newSize)) {
			return p, nil
		}
	}

	newP, err := h.Malloc(newSize)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(unsafe.Slice((*byte)(newP), n), unsafe.Slice((*byte)(p), n))
	if err := h.Free(p); err != nil {
		return nil, err
	}
	return newP, nil
}

// Reallocarray is Realloc(p, n*size) with an explicit overflow check,
// matching OpenBSD's reallocarray (spec.md §7's EOVERFLOW case).
func (h *Heap) Reallocarray(p unsafe.Pointer, n, size uintptr) (unsafe.Pointer, error) {
	total, overflow := mulOverflow(n, size)
	if overflow {
		return nil, syscall.EOVERFLOW
	}
	return h.Realloc(p, total)
}

// isPow2 reports whether n is a nonzero power of two.
func isPow2(n uintptr) bool { return n != 0 && n&(n-1) == 0 }

// allocAligned serves an allocation request at a specific power-of-two
// alignment. Above the chunk size, every large allocation is already
// aligned to its own (power-of-two) rounded size, which is always at
// least sizeclass.MinChunkSize, so AllocLarge satisfies any alignment
// up to that size for free. At or below the chunk size, a slab's
// objects sit at Base + k*rsize, and Base is itself chunk-aligned
// (hence aligned to any power of two <= MinChunkSize); so any size
// class whose rsize is itself a multiple of alignment guarantees every
// object in it lands on the requested alignment. The smallest such
// class at least `size` bytes is chosen by a linear scan of the table
// rather than through SizeToClass.
func (h *Heap) allocAligned(alignment, size uintptr) (unsafe.Pointer, error) {
	if !isPow2(alignment) {
		return nil, syscall.EINVAL
	}
	if alignment <= uintptr(sizeclass.MinChunkSize) && size <= h.tbl.MaxSize() {
		for c := sizeclass.Class(1); int(c) <= h.tbl.NumClasses(); c++ {
			rsize := h.tbl.SizeclassToSize(c)
			if rsize >= uint64(size) && rsize%uint64(alignment) == 0 {
				addr, err := h.threadLocal().AllocClass(c)
				if err != nil {
					return nil, err
				}
				h.Stats.RecordAlloc("small")
				return unsafe.Pointer(addr), nil
			}
		}
	}
	// Either the alignment exceeds what any size class's stride can
	// guarantee, or no class's stride happens to be a multiple of it.
	// The large path rounds its request up to a power of two no
	// smaller than sizeclass.MinChunkSize and reserves it at an
	// address aligned to that same power of two; requesting at least
	// `alignment` bytes therefore guarantees the result lands on an
	// `alignment`-byte boundary even when alignment itself exceeds
	// what `size` alone would have rounded up to.
	request := size
	if alignment > request {
		request = alignment
	}
	addr, err := h.threadLocal().AllocLarge(request)
	if err != nil {
		return nil, err
	}
	h.Stats.RecordAlloc("large")
	return unsafe.Pointer(addr), nil
}

// AlignedAlloc matches C11 aligned_alloc: alignment must be a power of
// two and size a multiple of it.
func (h *Heap) AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	if !isPow2(alignment) || size%alignment != 0 {
		return nil, syscall.EINVAL
	}
	return h.allocAligned(alignment, size)
}

// PosixMemalign matches POSIX posix_memalign: alignment must be a
// power of two multiple of sizeof(void*).
func (h *Heap) PosixMemalign(alignment, size uintptr) (unsafe.Pointer, error) {
	if !isPow2(alignment) || alignment%unsafe.Sizeof(uintptr(0)) != 0 {
		return nil, syscall.EINVAL
	}
	return h.allocAligned(alignment, size)
}

// MallocUsableSize returns the actual usable size of the live
// allocation at p (which may exceed what was originally requested,
// since small allocations round up to their size class), or 0 if p is
// not a live allocation from this Heap.
func (h *Heap) MallocUsableSize(p unsafe.Pointer) uintptr {
	size, _ := h.AllocSize(p)
	return size
}

// AllocSize is MallocUsableSize with an explicit ok result,
// distinguishing "not a live allocation" from "zero-size allocation"
// (spec §10's supplemented alloc_size feature).
func (h *Heap) AllocSize(p unsafe.Pointer) (uintptr, bool) {
	return core.AllocSize(h.pm, uintptr(p))
}

// ExternalPointer resolves p, which may point anywhere inside a live
// allocation, to that allocation's start address (spec §10's
// supplemented external_pointer feature). ok is false if p does not
// fall within any live allocation this Heap owns.
func (h *Heap) ExternalPointer(p unsafe.Pointer) (unsafe.Pointer, bool) {
	base, ok := core.ExternalPointer(h.pm, uintptr(p))
	if !ok {
		return nil, false
	}
	return unsafe.Pointer(base), true
}

// CollectStats refreshes h.Stats's gauges from the Heap's live chunk
// allocator and core-allocator pool. Cheap enough to call on a scrape
// or poll interval (cmd/coreheapctl's "stat" subcommand) but never
// called from an allocation/free path.
func (h *Heap) CollectStats() {
	h.Stats.Collect(h.chunks, h.pool)
}

// CleanupUnused synchronously decommits every chunk sitting in any of
// the shared chunk allocator's epoch buckets, without advancing the
// epoch and without waiting for the next scheduled decay tick (spec.md
// §8 scenario 2's supplemented cleanup_unused operation).
func (h *Heap) CleanupUnused() {
	h.chunks.CleanupUnused()
}

// DebugCheckEmpty asserts that every core allocator this Heap has ever
// handed out reports zero outstanding small-object allocations
// (spec.md §8 scenario 5's teardown-race/no-leak check), returning an
// error describing the first violation found rather than panicking,
// so a test can assert on it directly.
func (h *Heap) DebugCheckEmpty() error {
	var firstErr error
	h.pool.DebugCheckEmpty(func(c *core.CoreAllocator) {
		if firstErr != nil {
			return
		}
		active, sleeping := c.SlabCounts()
		if active != 0 || sleeping != 0 {
			firstErr = fmt.Errorf("malloc: outstanding slabs at DebugCheckEmpty: active=%d sleeping=%d", active, sleeping)
		}
	})
	return firstErr
}
