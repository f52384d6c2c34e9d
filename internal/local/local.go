// Package local implements the local allocator handle named in
// spec §4.8: the object a caller actually allocates and frees through,
// which lazily acquires a CoreAllocator from the pool on first use and
// batches cross-core remote deallocations before flushing them.
//
// Grounded on the teacher's mcache.go: a LocalAllocator plays the same
// role mcache plays relative to mcentral — the single-consumer,
// no-internal-locking-needed front end a thread actually calls into.
// Spec §6/§9 flags the teacher's reliance on an implicit per-thread
// mcache (reached via getg().m.mcache, invisible in the allocator's own
// function signatures) as exactly the kind of global mutable state
// that needs re-architecting for Go: there is no per-goroutine storage
// primitive to hook the way the teacher hooks per-P state, and a
// goroutine is the wrong unit of ownership anyway (goroutines move
// between OS threads). So LocalAllocator here is an explicit value the
// caller constructs, passes around, and eventually calls Detach on —
// see pkg/malloc for the optional OS-thread-bound convenience layer
// built on top of this explicit-handle API for callers that want the
// literal one-allocator-per-thread model back.
package local

import (
	"sync"

	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/core"
	"github.com/coreheap/coreheap/internal/coreerr"
	"github.com/coreheap/coreheap/internal/pagemap"
	"github.com/coreheap/coreheap/internal/remoteq"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

// remoteBatch accumulates objects destined for one other core
// allocator, linked into a chain through the objects' own memory
// (remoteq's intrusive next-link), so the whole batch can be flushed
// in a single CAS via PushRemoteChain instead of one CAS per free.
type remoteBatch struct {
	head, tail uintptr
	bytes      uintptr
}

// LocalAllocator is the explicit per-caller allocator handle. The zero
// value is not usable; construct with New. Not safe for concurrent use
// by multiple goroutines simultaneously — exactly like the teacher's
// mcache, it is meant to be owned by one logical thread of control at
// a time.
type LocalAllocator struct {
	pool    *core.Pool
	factory func() *core.CoreAllocator
	tbl     *sizeclass.Table
	pm      *pagemap.Pagemap
	cfg     config.Config

	mine *core.CoreAllocator

	remoteMu sync.Mutex // guards remote below; see Free's doc comment
	remote   map[*core.CoreAllocator]*remoteBatch
}

// New constructs a LocalAllocator. It does not acquire a CoreAllocator
// yet — that happens lazily on first Alloc/Free, matching the
// teacher's ensure_init pattern (spec §6, §9).
func New(pool *core.Pool, factory func() *core.CoreAllocator, tbl *sizeclass.Table, pm *pagemap.Pagemap, cfg config.Config) *LocalAllocator {
	return &LocalAllocator{
		pool:    pool,
		factory: factory,
		tbl:     tbl,
		pm:      pm,
		cfg:     cfg,
		remote:  make(map[*core.CoreAllocator]*remoteBatch),
	}
}

func (l *LocalAllocator) ensureInit() *core.CoreAllocator {
	if l.mine == nil {
		l.mine = l.pool.Acquire(l.factory)
	}
	return l.mine
}

// Alloc returns size bytes, rounded up to the nearest size class (or
// taking the large-object path above the table's range).
func (l *LocalAllocator) Alloc(size uint64) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	c := l.ensureInit()
	if size > l.tbl.MaxSize() {
		return c.AllocLarge(uintptr(size))
	}
	class := l.tbl.SizeToClass(size)
	return c.AllocSmall(class)
}

// AllocClass allocates directly from a specific size class, bypassing
// the usual size-to-class lookup. For callers (pkg/malloc's aligned
// allocation path) that have already picked a class meeting some
// constraint SizeToClass does not know about, such as alignment.
func (l *LocalAllocator) AllocClass(class sizeclass.Class) (uintptr, error) {
	return l.ensureInit().AllocSmall(class)
}

// AllocLarge forces the large-object path regardless of size,
// bypassing Alloc's size-based routing. For callers that need the
// large path's chunk-alignment guarantee even for a size small enough
// to otherwise fit a size class (pkg/malloc's aligned allocation
// path).
func (l *LocalAllocator) AllocLarge(size uintptr) (uintptr, error) {
	return l.ensureInit().AllocLarge(size)
}

// Free releases addr, which must have come from this or another
// LocalAllocator's Alloc. If addr belongs to this LocalAllocator's own
// CoreAllocator it is freed immediately; otherwise it is appended to a
// small per-destination batch (spec §4.7's remote-dealloc cache) that
// is flushed once it holds at least config.RemoteCacheBytes.
//
// remoteMu exists only because a LocalAllocator's Detach can race with
// a final in-flight Free from the same goroutine during teardown in
// tests; ordinary operation never contends it.
func (l *LocalAllocator) Free(addr uintptr) error {
	e, ok := l.pm.GetMetaEntry(addr)
	if !ok || e.Kind == pagemap.KindUnused {
		return coreerr.NewCorruption("free of %#x: address is not a live allocation", addr)
	}
	owner := (*core.CoreAllocator)(e.Owner)

	mine := l.ensureInit()
	if owner == mine {
		switch e.Kind {
		case pagemap.KindSmall:
			return mine.FreeSmall(addr)
		case pagemap.KindLarge:
			return mine.FreeLarge(addr)
		default:
			return coreerr.NewCorruption("free of %#x: unexpected pagemap kind", addr)
		}
	}

	size := sizeOf(l.tbl, e)
	l.queueRemote(owner, addr, e.Class, size)
	return nil
}

func sizeOf(tbl *sizeclass.Table, e pagemap.MetaEntry) uintptr {
	if e.Kind == pagemap.KindLarge {
		return e.Size
	}
	return uintptr(tbl.SizeclassToSize(e.Class))
}

func (l *LocalAllocator) queueRemote(owner *core.CoreAllocator, addr uintptr, class sizeclass.Class, size uintptr) {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()

	b := l.remote[owner]
	if b == nil {
		b = &remoteBatch{}
		l.remote[owner] = b
	}
	remoteq.Link(addr, b.head, class)
	if b.head == 0 {
		b.tail = addr
	}
	b.head = addr
	b.bytes += size

	if b.bytes >= uintptr(l.cfg.RemoteCacheBytes) {
		owner.PushRemoteChain(b.head, b.tail)
		delete(l.remote, owner)
	}
}

// Flush pushes every pending remote batch regardless of size, for
// shutdown paths that must not leave objects stranded in a
// LocalAllocator that is about to be discarded.
func (l *LocalAllocator) Flush() {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	for owner, b := range l.remote {
		owner.PushRemoteChain(b.head, b.tail)
	}
	l.remote = make(map[*core.CoreAllocator]*remoteBatch)
}

// Detach flushes any pending remote batches and returns this
// LocalAllocator's CoreAllocator to the pool. The LocalAllocator must
// not be used again afterwards except via a fresh call sequence that
// re-triggers ensureInit (which would acquire a different
// CoreAllocator instance).
func (l *LocalAllocator) Detach() {
	l.Flush()
	if l.mine != nil {
		l.mine.DrainRemote()
		l.pool.Release(l.mine)
		l.mine = nil
	}
}
