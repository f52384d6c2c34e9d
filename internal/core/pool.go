package core

import (
	"sync"
	"sync/atomic"

	"github.com/coreheap/coreheap/internal/pal"
)

// poolNode is kept separate from CoreAllocator itself so the pool's
// intrusive lock-free stack link has no bearing on CoreAllocator's own
// fields; Pool owns one poolNode per CoreAllocator it has ever handed
// out.
type poolNode struct {
	core *CoreAllocator
	next atomic.Pointer[poolNode]
}

// Pool hands out CoreAllocators to LocalAllocators on demand and takes
// them back, grounded on the teacher's mfixalloc.go (a free list of
// fixed-size records drawn from a shared chunk) combined with
// lfstack.go's lock-free push/pop for the free list itself, since
// unlike fixalloc (which assumes its caller already holds a lock) this
// pool is meant to be drawn from by many threads concurrently without
// one.
//
// Every CoreAllocator Pool has ever constructed is also kept on an
// "all-ever-created" list behind an ordinary mutex (spec §4.8): that
// list is for the supplemented DebugCheckEmpty walk (SPEC_FULL.md
// §10), not the hot acquire/release path, so a plain lock is the right
// tool there even though the free list itself is lock-free.
type Pool struct {
	p pal.PAL

	free atomic.Pointer[poolNode]

	mu  sync.Mutex
	all []*CoreAllocator
}

// NewPool constructs an empty Pool.
func NewPool(p pal.PAL) *Pool {
	return &Pool{p: p}
}

func (pl *Pool) pushFree(n *poolNode) {
	for {
		old := pl.free.Load()
		n.next.Store(old)
		if pl.free.CompareAndSwap(old, n) {
			return
		}
	}
}

func (pl *Pool) popFree() *poolNode {
	for {
		old := pl.free.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if pl.free.CompareAndSwap(old, next) {
			return old
		}
	}
}

// Acquire returns a CoreAllocator ready for exclusive use by the
// caller, reusing one previously Released if available, or
// constructing one via factory otherwise. Marks the allocator in-use;
// acquiring an allocator that is somehow already marked in-use is a
// fatal corruption (spec §4.8: "fatal double-acquire detection") since
// it means the pool's own bookkeeping is broken.
func (pl *Pool) Acquire(factory func() *CoreAllocator) *CoreAllocator {
	var c *CoreAllocator
	if n := pl.popFree(); n != nil {
		c = n.core
	} else {
		c = factory()
		pl.mu.Lock()
		pl.all = append(pl.all, c)
		pl.mu.Unlock()
	}
	if !c.inUse.CompareAndSwap(false, true) {
		pl.p.Error("core: pool handed out a CoreAllocator already marked in-use")
	}
	return c
}

// Release returns c to the pool. Releasing an allocator that is not
// currently marked in-use is a fatal corruption for the same reason a
// double-acquire is.
func (pl *Pool) Release(c *CoreAllocator) {
	if !c.inUse.CompareAndSwap(true, false) {
		pl.p.Error("core: pool released a CoreAllocator not marked in-use")
		return
	}
	pl.pushFree(&poolNode{core: c})
}

// DebugCheckEmpty walks every CoreAllocator this pool has ever
// created (whether currently checked out or not) and calls fn on each.
// Supplemented feature (SPEC_FULL.md §10): useful for tests asserting
// no slabs are leaked at teardown.
func (pl *Pool) DebugCheckEmpty(fn func(*CoreAllocator)) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, c := range pl.all {
		fn(c)
	}
}
