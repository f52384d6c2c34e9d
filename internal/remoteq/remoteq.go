// Package remoteq implements the cross-thread remote deallocation
// queue named in spec §4.6: when a thread frees an object owned by
// another core allocator, instead of taking a lock on that owner's
// slab state it pushes the object onto the owner's remote queue, a
// multi-producer single-consumer (MPSC) structure the owner drains the
// next time it runs.
//
// Grounded on runtime/lfstack.go's push/pop Treiber-stack shape —
// remote deallocation, like lfstackpush, needs a lock-free multi-
// producer insert, and like lfstackpop's "the whole structure can
// change out from under an in-flight CAS" problem, needs a consistent
// unpack of whatever auxiliary data rides alongside the pointer.
// lfstack_amd64.go packs a generation counter into the spare sign-
// extension and alignment bits of a 48-bit virtual address. That trick
// does not translate to this package's messages: a remote message
// needs to carry a sizeclass.Class (more bits than the 3 alignment
// bits a 16-byte object guarantees), and the address itself must stay
// untagged because the consumer hands it straight back to the
// allocator as a real pointer. So instead the class tag rides in the
// object's own memory, immediately after the intrusive "next" link —
// the same trick slabmeta's free list already uses to store list
// structure inside the freed objects themselves, extended by one byte.
package remoteq

import (
	"sync/atomic"
	"unsafe"

	"github.com/coreheap/coreheap/internal/sizeclass"
)

// classOffset is where the size-class tag is written, immediately
// after the 8-byte next-link; every object reaching this queue is at
// least sizeclass.MinAllocBits-bits (16 bytes) so both fields fit.
const classOffset = 8

func nextPtr(addr uintptr) *uintptr { return (*uintptr)(unsafe.Pointer(addr)) }
func classPtr(addr uintptr) *sizeclass.Class {
	return (*sizeclass.Class)(unsafe.Pointer(addr + classOffset))
}

// Queue is an intrusive MPSC stack: Push is safe from any number of
// concurrent producers; DrainAll must only be called by the single
// designated consumer (the owning core allocator), matching the
// single-consumer contract spec §4.6 requires.
type Queue struct {
	head atomic.Uintptr
}

// Push adds obj, tagged with class, to the queue. obj must point to at
// least 9 live, writable bytes (true for any real allocation, since
// the smallest size class is 16 bytes).
func (q *Queue) Push(obj uintptr, class sizeclass.Class) {
	*classPtr(obj) = class
	for {
		old := q.head.Load()
		*nextPtr(obj) = old
		if q.head.CompareAndSwap(old, obj) {
			return
		}
	}
}

// PushChain splices an already-linked chain (as built by a caller
// batching several objects locally before paying the cross-core
// traffic of a push, head being the first object and tail the last, as
// produced by Next-following from head) onto the queue in a single CAS
// loop, rather than one CAS per object.
func PushChain(q *Queue, head, tail uintptr) {
	for {
		old := q.head.Load()
		*nextPtr(tail) = old
		if q.head.CompareAndSwap(old, head) {
			return
		}
	}
}

// DrainAll atomically detaches the entire queue and returns the head
// of the resulting chain (0 if the queue was empty). Single-consumer
// only: concurrent DrainAll calls would each see a disjoint suffix of
// whatever producers had pushed, silently splitting one owner's
// backlog across two drains.
func (q *Queue) DrainAll() uintptr {
	return q.head.Swap(0)
}

// Link writes obj's next-link and class tag directly, without any CAS,
// for a caller building a chain of objects locally (e.g. the local
// allocator's per-destination remote-dealloc batch) before splicing the
// whole chain onto a Queue with PushChain. next is 0 for the current
// tail of the chain being built.
func Link(obj uintptr, next uintptr, class sizeclass.Class) {
	*nextPtr(obj) = next
	*classPtr(obj) = class
}

// Next returns the next-link stored in obj by Push.
func Next(obj uintptr) uintptr { return *nextPtr(obj) }

// ClassOf returns the size class stored in obj by Push.
func ClassOf(obj uintptr) sizeclass.Class { return *classPtr(obj) }

// Depth returns how many objects currently sit in q without draining
// it, for stats reporting only. Like lfStack.count in chunkalloc, this
// walks the chain under no lock and can race a concurrent Push/
// DrainAll; acceptable for a scrape-interval gauge, not for
// correctness-sensitive code.
func Depth(q *Queue) int {
	n := 0
	for obj := q.head.Load(); obj != 0; obj = Next(obj) {
		n++
	}
	return n
}

// Walk calls fn for every object in the chain headed by head (as
// returned by DrainAll), in whatever order Push happened to leave them
// — the queue makes no ordering guarantee beyond "every pushed object
// is visited exactly once per drain".
func Walk(head uintptr, fn func(obj uintptr, class sizeclass.Class)) {
	for obj := head; obj != 0; {
		next := Next(obj)
		fn(obj, ClassOf(obj))
		obj = next
	}
}
