// Package chunkalloc implements the epoch-decaying chunk cache named in
// spec §4.3: a per-size-class recycling pool sitting between the
// address-space manager and the slab/metaslab layer, so that a slab
// which frees all its objects gives its chunk back to a pool that can
// hand it to another slab of the same class cheaply, while a chunk
// that stays idle across several decay periods gets its physical
// backing returned to the OS.
//
// Grounded on the teacher's runtime/mheap.go scavenge()/freeSpanLocked
// pairing: scavenge walks the free lists on a timer and madvises idle
// spans after they have sat unused past a time limit, while
// freeSpanLocked is what first returns a span to the free lists. This
// package reshapes that single time-stamped free list into
// config.NumEpochs ring buckets per size class — a chunk freed in
// epoch E sits in bucket E; advancing the epoch (on the PAL timer,
// spec §4.3's nominal 500ms) rotates which bucket is "current" and
// fully decommits whatever is left in the bucket about to be reused,
// rather than scanning every free span's individual timestamp the way
// scavenge does. Each bucket is a lock-free stack grounded on
// runtime/lfstack.go's Treiber-stack push/pop shape, re-expressed with
// atomic.Pointer instead of the teacher's manual pointer-tag packing:
// the teacher packs a generation counter into spare low bits of a
// manually-managed (non-GC) node address to defend against ABA on node
// reuse after a free; here nodes are ordinary GC-tracked *ChunkRecord
// values that are only ever moved between this allocator's own stacks,
// never individually freed back to the Go allocator while reachable,
// so the classic ABA-via-reuse the packing defends against does not
// arise the same way, and a plain atomic.Pointer CAS loop suffices.
package chunkalloc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/coreheap/coreheap/internal/addrspace"
	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

func toPointer(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

// ChunkRecord identifies one chunk-sized block of address space. It
// doubles as a lock-free stack node while resident in a recycling
// bucket, and is otherwise owned by whichever slab currently occupies
// the chunk.
type ChunkRecord struct {
	next      atomic.Pointer[ChunkRecord]
	Base      uintptr
	Size      uintptr
	SlabClass sizeclass.Class
}

type lfStack struct {
	head atomic.Pointer[ChunkRecord]
}

func (s *lfStack) push(r *ChunkRecord) {
	for {
		old := s.head.Load()
		r.next.Store(old)
		if s.head.CompareAndSwap(old, r) {
			return
		}
	}
}

func (s *lfStack) pop() *ChunkRecord {
	for {
		old := s.head.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if s.head.CompareAndSwap(old, next) {
			old.next.Store(nil)
			return old
		}
	}
}

// drainAll pops every record and invokes fn on each, used both for a
// single epoch bucket's scheduled decay and for CleanupUnused's
// immediate full sweep.
func (s *lfStack) drainAll(fn func(*ChunkRecord)) {
	for {
		r := s.pop()
		if r == nil {
			return
		}
		fn(r)
	}
}

// count walks the stack without popping, for stats reporting only.
// Like the teacher's own unsynchronized h_spans reads, this can race a
// concurrent push/pop and return a stale count; acceptable for a gauge
// that is read on a scrape interval, not for allocator correctness.
func (s *lfStack) count() int {
	n := 0
	for r := s.head.Load(); r != nil; r = r.next.Load() {
		n++
	}
	return n
}

type classBuckets struct {
	slabSize uintptr
	epoch    atomic.Uint32 // index of the current (most recent) bucket
	buckets  []lfStack      // len == cfg.NumEpochs
}

// Allocator is the epoch-decaying chunk cache. Construct with New.
type Allocator struct {
	mgr *addrspace.Manager
	p   pal.PAL
	tbl *sizeclass.Table
	cfg config.Config

	mu      sync.RWMutex
	classes map[sizeclass.Class]*classBuckets

	decommitted lfStack // fully decommitted chunks, reusable by any class of matching size

	cancel func()
}

// New constructs a chunk allocator over mgr, using tbl to map slab
// size classes to slab sizes.
func New(mgr *addrspace.Manager, p pal.PAL, tbl *sizeclass.Table, cfg config.Config) *Allocator {
	return &Allocator{
		mgr:     mgr,
		p:       p,
		tbl:     tbl,
		cfg:     cfg,
		classes: make(map[sizeclass.Class]*classBuckets),
	}
}

// Start registers the decay timer with the PAL; the returned cancel
// func (also available via Stop) must be called to release the timer.
// If the PAL does not support timers, decay never runs and chunks
// accumulate in the epoch buckets until CleanupUnused is called
// explicitly (spec §6: "optional; if absent, decay is disabled").
func (a *Allocator) Start() {
	a.cancel = a.p.RegisterTimer(a.cfg.DecayPeriod, a.advanceEpoch)
}

// Stop cancels the decay timer.
func (a *Allocator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Allocator) classFor(class sizeclass.Class) *classBuckets {
	a.mu.RLock()
	cb := a.classes[class]
	a.mu.RUnlock()
	if cb != nil {
		return cb
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cb := a.classes[class]; cb != nil {
		return cb
	}
	cb = &classBuckets{
		slabSize: uintptr(a.tbl.SizeclassToSlabSize(class)),
		buckets:  make([]lfStack, a.cfg.NumEpochs),
	}
	a.classes[class] = cb
	return cb
}

// advanceEpoch rotates the current epoch forward by one and fully
// decommits whatever sits in the bucket about to be overwritten —
// the chunk-allocator analogue of scavenge(), but bucket-granular
// rather than per-span-timestamp.
func (a *Allocator) advanceEpoch() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, cb := range a.classes {
		next := (cb.epoch.Load() + 1) % uint32(len(cb.buckets))
		cb.buckets[next].drainAll(a.decommit)
		cb.epoch.Store(next)
	}
}

func (a *Allocator) decommit(r *ChunkRecord) {
	if err := a.p.NotifyNotUsing(toPointer(r.Base), r.Size); err != nil {
		a.p.Error(fmt.Sprintf("chunkalloc: decommit %#x/%d: %v", r.Base, r.Size, err))
		return
	}
	a.decommitted.push(r)
}

// AllocChunk returns a chunk sized for class, preferring (in order) a
// still-committed chunk sitting in one of class's epoch buckets, then
// a decommitted chunk of the right size recommitted on the spot, and
// finally a brand-new reservation from the address-space manager.
func (a *Allocator) AllocChunk(class sizeclass.Class) (*ChunkRecord, error) {
	cb := a.classFor(class)

	cur := cb.epoch.Load()
	for i := 0; i < len(cb.buckets); i++ {
		idx := (int(cur) - i + len(cb.buckets)) % len(cb.buckets)
		if r := cb.buckets[idx].pop(); r != nil {
			return r, nil
		}
	}

	if r := a.takeDecommitted(cb.slabSize, class); r != nil {
		if err := a.p.NotifyUsing(toPointer(r.Base), r.Size); err != nil {
			return nil, fmt.Errorf("chunkalloc: recommit: %w", err)
		}
		return r, nil
	}

	base, err := a.mgr.Reserve(cb.slabSize)
	if err != nil {
		return nil, fmt.Errorf("chunkalloc: reserve new chunk: %w", err)
	}
	if err := a.mgr.CommitBlock(base, cb.slabSize); err != nil {
		return nil, fmt.Errorf("chunkalloc: commit new chunk: %w", err)
	}
	return &ChunkRecord{Base: base, Size: cb.slabSize, SlabClass: class}, nil
}

// takeDecommitted scans the decommitted stack for a record of the
// right size, pushing back any mismatched records it pops along the
// way. The decommitted stack is expected to be small in practice (only
// chunks that outlived config.NumEpochs idle periods land there), so a
// linear scan is acceptable; this mirrors allocLarge's linear scan of
// freelarge in the teacher (runtime/mheap.go).
func (a *Allocator) takeDecommitted(size uintptr, class sizeclass.Class) *ChunkRecord {
	var held []*ChunkRecord
	var found *ChunkRecord
	for {
		r := a.decommitted.pop()
		if r == nil {
			break
		}
		if found == nil && r.Size == size {
			found = r
			found.SlabClass = class
			continue
		}
		held = append(held, r)
	}
	for _, r := range held {
		a.decommitted.push(r)
	}
	return found
}

// Dealloc returns rec to its size class's current epoch bucket,
// available for immediate reuse by AllocChunk and subject to decay on
// the next few epoch advances if nothing claims it.
func (a *Allocator) Dealloc(rec *ChunkRecord) {
	cb := a.classFor(rec.SlabClass)
	cb.buckets[cb.epoch.Load()].push(rec)
}

// CleanupUnused immediately decommits every chunk sitting in any epoch
// bucket, without waiting for the decay timer. Supplemented feature
// (SPEC_FULL.md §10): useful for tests and for callers that want to
// shed memory ahead of an idle period they know about out-of-band.
func (a *Allocator) CleanupUnused() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, cb := range a.classes {
		for i := range cb.buckets {
			cb.buckets[i].drainAll(a.decommit)
		}
	}
}

// BucketCounts returns, for each epoch bucket index, how many chunks
// currently sit in it summed across every size class — the feed for
// stats.Registry.SetChunksActive.
func (a *Allocator) BucketCounts() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make([]int, a.cfg.NumEpochs)
	for _, cb := range a.classes {
		for i := range cb.buckets {
			counts[i] += cb.buckets[i].count()
		}
	}
	return counts
}

// DecommittedCount returns how many fully decommitted chunks are
// currently available for reuse by any class of matching size.
func (a *Allocator) DecommittedCount() int {
	return a.decommitted.count()
}
