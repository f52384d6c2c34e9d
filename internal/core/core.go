// Package core implements the core allocator named in spec §4.7: the
// per-"core" (one per concurrently active local allocator, spec §4.8)
// owner of a set of active slabs per size class, the single consumer
// of its own remote-deallocation queue, and the large-allocation path.
//
// Grounded on the teacher's mcentral.go (the nonempty/empty span lists
// a CoreAllocator's per-class active-slab slice mirrors) and
// mcache.go's refill/releaseAll pairing for how a cache-level consumer
// pulls from and returns to the shared structures beneath it. Unlike
// mcentral, which is shared and lock-protected because many mcaches
// draw from the same mcentral concurrently, a CoreAllocator here is
// only ever driven by the single local allocator that currently holds
// it (Pool enforces exclusive ownership, see pool.go), so its own
// slab bookkeeping needs no lock at all — only the remote queue, which
// other threads push into directly, is lock-free/concurrent.
package core

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"unsafe"

	"github.com/coreheap/coreheap/internal/addrspace"
	"github.com/coreheap/coreheap/internal/chunkalloc"
	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/coreerr"
	"github.com/coreheap/coreheap/internal/pagemap"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/remoteq"
	"github.com/coreheap/coreheap/internal/sizeclass"
	"github.com/coreheap/coreheap/internal/slabmeta"
)

// ownedSlab pairs a Metaslab header with the chunk-allocator record
// backing it, so a fully emptied slab can be handed back to the chunk
// allocator's recycling pool.
type ownedSlab struct {
	meta *slabmeta.Metaslab
	rec  *chunkalloc.ChunkRecord
}

type classState struct {
	active []*ownedSlab
}

// CoreAllocator is one core's worth of allocator state: an active slab
// per size class (spec calls these out as the things a LocalAllocator
// ultimately allocates from), the large-object path, and the inbox for
// objects other threads freed back to chunks this core owns.
type CoreAllocator struct {
	ID uint64

	tbl     *sizeclass.Table
	chunks  *chunkalloc.Allocator
	addrMgr *addrspace.Manager
	pm      *pagemap.Pagemap
	p       pal.PAL
	cfg     config.Config
	rng     *rand.Rand

	classes []classState
	remote  remoteq.Queue

	// slabs tracks every slab this core currently owns (active or
	// sleeping, until retireSlab removes the entry), for stats.Registry
	// only: a slab present here but absent from its class's active
	// list is, by construction, sleeping. Touched once per slab
	// lifetime (growClass/retireSlab), never per object alloc/free, so
	// it carries none of the per-allocation cost the stats package is
	// meant to stay clear of.
	slabs map[*ownedSlab]struct{}

	// inUse is managed by Pool, not CoreAllocator itself; it lives
	// here so Pool can embed the flag directly on the object it is
	// pooling rather than keeping a side table (spec §4.8's "in-use
	// flag with fatal double-acquire detection").
	inUse atomic.Bool
}

// New constructs a CoreAllocator. id is an opaque identifier used only
// for diagnostics (stats labels, log fields).
func New(id uint64, tbl *sizeclass.Table, chunks *chunkalloc.Allocator, addrMgr *addrspace.Manager, pm *pagemap.Pagemap, p pal.PAL, cfg config.Config) *CoreAllocator {
	return &CoreAllocator{
		ID:      id,
		tbl:     tbl,
		chunks:  chunks,
		addrMgr: addrMgr,
		pm:      pm,
		p:       p,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(int64(id) + 1)),
		classes: make([]classState, tbl.NumClasses()),
		slabs:   make(map[*ownedSlab]struct{}),
	}
}

func (c *CoreAllocator) csFor(class sizeclass.Class) *classState { return &c.classes[class-1] }

// AllocSmall returns a fresh object of the given size class, draining
// this core's remote queue first so objects other threads have
// already freed back to it are available to satisfy the request
// before reaching for a new chunk.
func (c *CoreAllocator) AllocSmall(class sizeclass.Class) (uintptr, error) {
	c.DrainRemote()

	cs := c.csFor(class)
	for len(cs.active) > 0 {
		s := cs.active[len(cs.active)-1]
		off, ok := s.meta.AllocFrom()
		if !ok {
			// Bookkeeping says this slab still had room; it didn't.
			// Drop it rather than spin on a stale entry.
			cs.active = cs.active[:len(cs.active)-1]
			continue
		}
		if s.meta.IsFull() {
			cs.active = cs.active[:len(cs.active)-1]
		}
		return s.meta.Base + uintptr(off), nil
	}
	return c.growClass(class)
}

func (c *CoreAllocator) growClass(class sizeclass.Class) (uintptr, error) {
	rec, err := c.chunks.AllocChunk(class)
	if err != nil {
		return 0, fmt.Errorf("core: grow class %d: %w", class, err)
	}

	meta := &slabmeta.Metaslab{}
	objSize := c.tbl.SizeclassToSize(class)
	capacity := c.tbl.SizeclassToSlabObjectCount(class)
	wakeThreshold := c.tbl.ThresholdForWakingSlab(class)
	meta.Initialise(rec.Base, rec.Size, class, objSize, capacity, wakeThreshold, c.cfg.Hardening, c.rng)

	owned := &ownedSlab{meta: meta, rec: rec}
	c.slabs[owned] = struct{}{}
	c.pm.SetMetaEntry(rec.Base, pagemap.MetaEntry{
		Kind:  pagemap.KindSmall,
		Class: class,
		Meta:  unsafe.Pointer(owned),
		Owner: unsafe.Pointer(c),
	})

	off, ok := meta.AllocFrom()
	if !ok {
		return 0, coreerr.NewCorruption("fresh slab for class %d reports no free objects", class)
	}
	if !meta.IsFull() {
		cs := c.csFor(class)
		cs.active = append(cs.active, owned)
	}
	return meta.Base + uintptr(off), nil
}

// FreeSmall returns addr, which must belong to a slab this core owns,
// to that slab's free list. Retires the slab back to the chunk
// allocator if this was its last outstanding object, and re-admits it
// to the active set if it had gone fully allocated (slabmeta.State
// StateSleeping) and this free woke it back up.
func (c *CoreAllocator) FreeSmall(addr uintptr) error {
	e, ok := c.pm.GetMetaEntry(addr)
	if !ok || e.Kind != pagemap.KindSmall {
		return coreerr.NewCorruption("free of %#x: no small-object slab owns this address", addr)
	}
	owned := (*ownedSlab)(e.Meta)

	off, err := owned.meta.OffsetOf(c.tbl, addr)
	if err != nil {
		return &coreerr.CorruptionError{Reason: err.Error()}
	}
	woke := owned.meta.ReturnObject(off)

	if owned.meta.IsEmpty() {
		c.retireSlab(owned)
		return nil
	}
	if woke {
		cs := c.csFor(owned.meta.Class)
		cs.active = append(cs.active, owned)
	}
	return nil
}

// retireSlab removes owned from every piece of this core's bookkeeping
// before handing its chunk back. owned may or may not currently sit in
// its class's active slice — a slab that woke up (ReturnObject's
// needed count reaching zero) while some objects were still
// outstanding is spliced back into active, and can go on to empty out
// from there without ever re-filling (and so without AllocSmall's
// go-full removal ever running again) — so the active slice must be
// searched and the stale entry dropped here, or the next AllocSmall
// for this class would pop a slab whose chunk has already been
// returned to the chunk allocator.
func (c *CoreAllocator) retireSlab(owned *ownedSlab) {
	cs := c.csFor(owned.meta.Class)
	for i, s := range cs.active {
		if s == owned {
			cs.active[i] = cs.active[len(cs.active)-1]
			cs.active = cs.active[:len(cs.active)-1]
			break
		}
	}

	for a := owned.meta.Base; a < owned.meta.Base+owned.meta.Size; a += sizeclass.MinChunkSize {
		c.pm.SetMetaEntry(a, pagemap.MetaEntry{})
	}
	delete(c.slabs, owned)
	c.chunks.Dealloc(owned.rec)
}

// SlabCounts returns how many slabs this core currently owns that
// still have free capacity ("active") versus are fully allocated
// ("sleeping"), for stats.Registry's gauges.
func (c *CoreAllocator) SlabCounts() (active, sleeping int) {
	for i := range c.classes {
		active += len(c.classes[i].active)
	}
	sleeping = len(c.slabs) - active
	return active, sleeping
}

// RemoteQueueDepth reports how many objects currently sit undrained in
// this core's remote queue, for stats.Registry's gauge. Approximate:
// the queue may be pushed to or drained concurrently with this call.
func (c *CoreAllocator) RemoteQueueDepth() int {
	return remoteq.Depth(&c.remote)
}

// DrainRemote processes every object other threads have freed back to
// this core since the last drain. Must only be called by the thread
// currently holding this CoreAllocator (spec §4.6's single-consumer
// requirement). The pagemap, not the message's class tag, decides
// whether each object takes the small or large free path: the tag
// exists for callers further up the stack (e.g. the local allocator's
// remote-dealloc batching) that want to know an object's class without
// a pagemap lookup, but the pagemap entry is the authority on kind.
func (c *CoreAllocator) DrainRemote() {
	head := c.remote.DrainAll()
	remoteq.Walk(head, func(obj uintptr, _ sizeclass.Class) {
		e, ok := c.pm.GetMetaEntry(obj)
		if !ok {
			c.p.Error(fmt.Sprintf("core: remote free of %#x: no pagemap entry", obj))
			return
		}
		var err error
		switch e.Kind {
		case pagemap.KindSmall:
			err = c.FreeSmall(obj)
		case pagemap.KindLarge:
			err = c.FreeLarge(obj)
		default:
			err = coreerr.NewCorruption("remote free of %#x: unexpected pagemap kind", obj)
		}
		if err != nil {
			c.p.Error(err.Error())
		}
	})
}

// PushRemote is called by a thread that does not own this core to
// hand back an object this core is responsible for. Safe to call
// concurrently from any number of threads.
func (c *CoreAllocator) PushRemote(obj uintptr, class sizeclass.Class) {
	c.remote.Push(obj, class)
}

// PushRemoteChain is PushRemote for a batch of objects a caller has
// already linked together locally (spec §4.7's local remote-dealloc
// cache, flushed as one chain instead of one CAS per object).
func (c *CoreAllocator) PushRemoteChain(head, tail uintptr) {
	remoteq.PushChain(&c.remote, head, tail)
}

// largeChunkGranularity rounds n up to a power of two no smaller than
// sizeclass.MinChunkSize, the granularity large allocations are backed
// at (spec §4.7: large objects are chunk-granular, not slab-granular).
func largeChunkGranularity(n uintptr) uintptr {
	size := uintptr(sizeclass.MinChunkSize)
	for size < n {
		size <<= 1
	}
	return size
}

// AllocLarge services an allocation request above the size-class
// table's range: a whole-chunk (or multiple of it) reservation with no
// slab structure, tagged in the pagemap with pagemap.KindLarge (spec
// §4.4/§4.7's "fake large remote" sentinel) so a cross-thread free
// still finds its way back to the owning core via the ordinary remote
// queue rather than needing a slab lookup.
func (c *CoreAllocator) AllocLarge(size uintptr) (uintptr, error) {
	rounded := largeChunkGranularity(size)
	base, err := c.addrMgr.Reserve(rounded)
	if err != nil {
		return 0, fmt.Errorf("core: reserve large allocation: %w", err)
	}
	if err := c.addrMgr.CommitBlock(base, rounded); err != nil {
		return 0, fmt.Errorf("core: commit large allocation: %w", err)
	}
	entry := pagemap.MetaEntry{Kind: pagemap.KindLarge, Owner: unsafe.Pointer(c), Size: rounded, Base: base}
	for a := base; a < base+rounded; a += sizeclass.MinChunkSize {
		c.pm.SetMetaEntry(a, entry)
	}
	return base, nil
}

// FreeLarge releases a large allocation previously returned by
// AllocLarge. Large allocations are not recycled through chunkalloc in
// this design (see DESIGN.md): their pages are decommitted and the
// address range stays reserved, but it is handed back to neither the
// address-space manager nor the PAL, so no later allocation reuses it.
func (c *CoreAllocator) FreeLarge(addr uintptr) error {
	e, ok := c.pm.GetMetaEntry(addr)
	if !ok || e.Kind != pagemap.KindLarge {
		return coreerr.NewCorruption("free of %#x: not a large allocation owned by this core", addr)
	}
	for a := addr; a < addr+e.Size; a += sizeclass.MinChunkSize {
		c.pm.SetMetaEntry(a, pagemap.MetaEntry{})
	}
	if err := c.p.NotifyNotUsing(unsafe.Pointer(addr), e.Size); err != nil {
		return fmt.Errorf("core: decommit large allocation: %w", err)
	}
	return nil
}

// SizeOfLarge returns the rounded size of a live large allocation
// (spec §10 supplemented AllocSize feature's large-object case).
func (c *CoreAllocator) SizeOfLarge(addr uintptr) (uintptr, bool) {
	e, ok := c.pm.GetMetaEntry(addr)
	if !ok || e.Kind != pagemap.KindLarge {
		return 0, false
	}
	return e.Size, true
}

// AllocSize returns the usable size of the live allocation starting at
// addr (spec §10's supplemented alloc_size feature). addr must be the
// exact start of an allocation, not an interior pointer; use
// ExternalPointer first to normalize an interior pointer.
func AllocSize(pm *pagemap.Pagemap, addr uintptr) (uintptr, bool) {
	e, ok := pm.GetMetaEntry(addr)
	if !ok {
		return 0, false
	}
	switch e.Kind {
	case pagemap.KindSmall:
		owned := (*ownedSlab)(e.Meta)
		base, ok := owned.meta.BaseOf(addr)
		if !ok || base != addr {
			return 0, false
		}
		return uintptr(owned.meta.ObjectSize), true
	case pagemap.KindLarge:
		if e.Base != addr {
			return 0, false
		}
		return e.Size, true
	default:
		return 0, false
	}
}

// ExternalPointer returns the start address of whichever live
// allocation contains addr, resolving an interior pointer to the
// allocation's base (spec §10's supplemented external_pointer
// feature). ok is false if addr does not fall within any live
// allocation.
func ExternalPointer(pm *pagemap.Pagemap, addr uintptr) (uintptr, bool) {
	e, ok := pm.GetMetaEntry(addr)
	if !ok {
		return 0, false
	}
	switch e.Kind {
	case pagemap.KindSmall:
		owned := (*ownedSlab)(e.Meta)
		return owned.meta.BaseOf(addr)
	case pagemap.KindLarge:
		return e.Base, true
	default:
		return 0, false
	}
}
