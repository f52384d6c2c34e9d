// Package pagemap implements the chunk-granularity address-to-metadata
// lookup table named in spec §4.4: given any address, find the
// metaslab (and owning allocator) responsible for it in O(1), without
// taking a lock on the hot free() path.
//
// Grounded on the teacher's h_spans / mheap.mapSpans /
// mheap.lookupMaybe (runtime/mheap.go): a flat array indexed by a
// shifted page number, grown in place as the address space backing it
// grows, read without synchronization on the fast path (the teacher's
// own comment: "h_spans is accessed concurrently without
// synchronization and is guarded by worst-effort checks"). This
// package generalizes that flat single-level array into a two-level
// (top/leaf) table so the full 48-bit address space can be covered
// without reserving one huge contiguous slice up front — leaves are
// allocated lazily, exactly as mapSpans lazily extends h_spans only as
// far as arena_used has grown.
package pagemap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/coreheap/coreheap/internal/sizeclass"
)

const (
	// chunkShift is log2(sizeclass.MinChunkSize): the pagemap's
	// granularity (spec §3).
	chunkShift = 14

	// leafBits / topBits split the remaining address bits (a 48-bit
	// virtual address space is assumed, which covers every mainstream
	// 64-bit target) below the chunk shift into a top index and a
	// per-leaf index, so a leaf is allocated only for address ranges
	// actually in use.
	leafBits = 16
	topBits  = 48 - chunkShift - leafBits

	leafSize = 1 << leafBits
	topSize  = 1 << topBits
)

// Kind distinguishes a pagemap entry covering a slab-backed small
// object region from one covering a single large allocation reserved
// straight from the address-space manager.
type Kind uint8

const (
	// KindUnused marks a chunk with no installed entry.
	KindUnused Kind = iota
	// KindSmall marks a chunk that is (part of) a slab backing small
	// objects of some size class.
	KindSmall
	// KindLarge marks a chunk handed out whole as one large
	// allocation. Spec §4.4/§4.7's "fake large remote" sentinel: a
	// large allocation has no Metaslab, but it still needs an owning
	// allocator recorded so that a cross-thread free can find the
	// right destination for the remote message.
	KindLarge
)

// MetaEntry is one pagemap slot. Meta and Owner are opaque
// (unsafe.Pointer) to avoid a dependency cycle between this package
// and the slabmeta/core packages that define the concrete types they
// point at — exactly the role *mspan plays in h_spans, looked up and
// cast back by the caller that knows what it put there.
type MetaEntry struct {
	Kind  Kind
	Class sizeclass.Class
	Meta  unsafe.Pointer // owning slab wrapper, valid when Kind == KindSmall
	Owner unsafe.Pointer // owning core allocator, valid when Kind != KindUnused
	Size  uintptr        // whole-allocation size, valid when Kind == KindLarge
	Base  uintptr        // allocation base address, valid when Kind == KindLarge
}

type leaf struct {
	entries [leafSize]MetaEntry
}

// Pagemap is the two-level lookup table. The zero value is ready to
// use.
type Pagemap struct {
	top [topSize]atomic.Pointer[leaf]
	mu  sync.Mutex // serializes leaf creation only; reads never lock
}

func split(addr uintptr) (topIdx, leafIdx uint32) {
	idx := uint64(addr) >> chunkShift
	idx &= (1 << (topBits + leafBits)) - 1
	return uint32(idx >> leafBits), uint32(idx & (leafSize - 1))
}

// ensureLeaf returns the leaf for topIdx, allocating it on first use.
// Races to allocate the same leaf are resolved by CAS; the loser's
// leaf is discarded and garbage collected normally, matching
// mapSpans's tolerance for redundant sysAlloc-then-discard on a lost
// race (here there is no corresponding unmap step since a discarded Go
// slice just becomes GC garbage).
func (p *Pagemap) ensureLeaf(topIdx uint32) *leaf {
	if l := p.top[topIdx].Load(); l != nil {
		return l
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l := p.top[topIdx].Load(); l != nil {
		return l
	}
	l := &leaf{}
	p.top[topIdx].Store(l)
	return l
}

// SetMetaEntry installs e for the chunk containing addr.
func (p *Pagemap) SetMetaEntry(addr uintptr, e MetaEntry) {
	topIdx, leafIdx := split(addr)
	l := p.ensureLeaf(topIdx)
	l.entries[leafIdx] = e
}

// GetMetaEntry looks up the chunk containing addr. ok is false if the
// chunk has no entry installed, either never set or reset to the zero
// MetaEntry when its slab or large allocation was freed (mayBeUnmapped semantics:
// the caller is expected to tolerate addresses outside any allocator
// arena, e.g. when validating a pointer that might not belong to this
// allocator at all).
func (p *Pagemap) GetMetaEntry(addr uintptr) (e MetaEntry, ok bool) {
	topIdx, leafIdx := split(addr)
	l := p.top[topIdx].Load()
	if l == nil {
		return MetaEntry{}, false
	}
	e = l.entries[leafIdx]
	return e, e.Kind != KindUnused
}

// RegisterRange pre-touches the leaves backing [addr, addr+size), so
// that a burst of subsequent SetMetaEntry calls for chunks in the
// range never contends on ensureLeaf's lock; mirrors mapSpans
// extending h_spans ahead of any span install.
func (p *Pagemap) RegisterRange(addr uintptr, size uintptr) {
	for a := addr &^ (1<<chunkShift - 1); a < addr+size; a += 1 << chunkShift {
		topIdx, _ := split(a)
		p.ensureLeaf(topIdx)
	}
}
