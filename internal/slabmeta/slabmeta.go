// Package slabmeta implements the external per-slab metadata header and
// free-list construction named in spec §4.5: a Metaslab describes one
// chunk carved into same-size-class objects, with its free list linked
// through the objects themselves (the classic "the free objects' own
// storage holds the list" trick, so an empty slab costs no separate
// bookkeeping array).
//
// Grounded on the teacher's mcentral.grow (runtime/mcentral.go), which
// carves a freshly allocated span into a gclinkptr chain by walking
// forward through the span writing each object's "next" word, and on
// mfixalloc.go's small fixed-size-record allocator for the idea of an
// externally-owned header describing a carved memory block. Unlike an
// mspan (whose header lives in a separate, GC-scanned span-descriptor
// array indexed by the teacher's runtime), a Metaslab here is an
// ordinary Go-heap value the caller keeps wherever it likes (typically
// alongside the pagemap.MetaEntry that points at it); the slab's
// objects live in PAL-backed memory the Go GC never sees, so the free
// list's "next" links are written through unsafe.Pointer arithmetic,
// exactly mirroring gclinkptr's role in the teacher.
package slabmeta

import (
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

// noNext terminates a free list; chosen as the all-ones pattern so a
// zeroed (never-linked) object can never be mistaken for a terminator,
// matching gclinkptr's use of 0 as a sentinel for the opposite reason
// (0 is never a valid link in the teacher because the minimum
// allocation size keeps every valid offset non-zero once an object is
// actually linked — here we invert the sentinel since offset 0, the
// very first object in the slab, is a legitimate link target).
const noNext = ^uint64(0)

// State is a slab's position in the core allocator's bookkeeping.
type State uint8

const (
	// StateUnused marks a Metaslab that has not been initialised over
	// a chunk yet.
	StateUnused State = iota
	// StateActive marks a slab with at least one free object,
	// available to satisfy allocations.
	StateActive
	// StateSleeping marks a slab that became fully allocated; it
	// becomes StateActive again only after wakeThreshold ReturnObject
	// calls, not on the first one.
	StateSleeping
)

// Metaslab is the external header for one chunk-sized slab of
// same-size-class objects.
type Metaslab struct {
	Base       uintptr
	Size       uintptr
	Class      sizeclass.Class
	ObjectSize uint64
	Capacity   uint16

	state     State
	allocated uint16
	freeHead  uint64 // offset from Base; noNext means empty

	// wakeThreshold is sizeclass.Table.ThresholdForWakingSlab(Class),
	// fixed at Initialise time. needed counts down from wakeThreshold
	// once the slab goes to sleep (spec §4.5/§9): a sleeping slab does
	// not re-enter circulation on its first ReturnObject, only once
	// enough of them have accumulated.
	wakeThreshold uint16
	needed        uint16
}

func (m *Metaslab) slot(offset uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(m.Base + uintptr(offset)))
}

// Initialise carves a freshly obtained chunk into capacity objects of
// objSize bytes and builds the initial free list. mode selects between
// a plain linear chain (config.Fast, mirroring mcentral.grow exactly)
// and a randomised cyclic permutation built via Sattolo's algorithm
// (config.Checked), which makes consecutive allocations land at
// unpredictable offsets within the slab rather than monotonically
// increasing ones — spec §9's hardening-mode knob. wakeThreshold is
// the number of ReturnObject calls this slab must accumulate while
// sleeping before it wakes back up (sizeclass.Table.ThresholdForWakingSlab).
func (m *Metaslab) Initialise(base uintptr, size uintptr, class sizeclass.Class, objSize uint64, capacity uint16, wakeThreshold uint16, mode config.HardeningMode, rng *rand.Rand) {
	m.Base = base
	m.Size = size
	m.Class = class
	m.ObjectSize = objSize
	m.Capacity = capacity
	m.state = StateActive
	m.allocated = 0
	m.wakeThreshold = wakeThreshold
	m.needed = 0

	order := make([]uint64, capacity)
	for i := range order {
		order[i] = uint64(i) * objSize
	}
	if mode == config.Checked && capacity > 1 {
		sattoloShuffleOutsideIn(order, rng)
	}

	for i := 0; i < len(order)-1; i++ {
		*m.slot(order[i]) = order[i+1]
	}
	*m.slot(order[len(order)-1]) = noNext
	m.freeHead = order[0]
}

// sattoloShuffleOutsideIn builds a single random cyclic permutation of
// order (Sattolo's algorithm: like Fisher-Yates but the swap partner is
// drawn from [0, i) rather than [0, i], which guarantees one cycle
// instead of possibly several independent ones) and then re-reads it
// alternately from the front and back, so offsets near the two ends of
// the slab end up interleaved in list order rather than the random
// permutation's raw order — the "outside-in" variant spec §9 names,
// which further decorrelates the address of the Nth and (N+1)th
// allocation from the slab's natural layout order.
func sattoloShuffleOutsideIn(order []uint64, rng *rand.Rand) {
	n := len(order)
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i)
		order[i], order[j] = order[j], order[i]
	}
	out := make([]uint64, n)
	lo, hi := 0, n-1
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out[i] = order[lo]
			lo++
		} else {
			out[i] = order[hi]
			hi--
		}
	}
	copy(order, out)
}

// AllocFrom pops the head of the free list. ok is false if the slab is
// fully allocated (StateSleeping).
func (m *Metaslab) AllocFrom() (offset uint64, ok bool) {
	if m.freeHead == noNext {
		return 0, false
	}
	offset = m.freeHead
	m.freeHead = *m.slot(offset)
	m.allocated++
	if m.freeHead == noNext {
		m.state = StateSleeping
		m.needed = m.wakeThreshold
	}
	return offset, true
}

// ReturnObject pushes offset back onto the head of the free list.
// woke reports whether the slab transitioned from StateSleeping back
// to StateActive, the signal the owning core allocator uses to decide
// whether to re-add the slab to its active set. A sleeping slab does
// not wake on its first return: needed decrements on every return and
// the slab only wakes once it reaches zero (spec §4.5's return_object
// contract); IsEmpty is a separate, higher-priority check the caller
// makes regardless of needed.
func (m *Metaslab) ReturnObject(offset uint64) (woke bool) {
	*m.slot(offset) = m.freeHead
	m.freeHead = offset
	if m.allocated == 0 {
		panic("slabmeta: ReturnObject on a slab with no outstanding allocations")
	}
	m.allocated--

	if m.state != StateSleeping {
		return false
	}
	m.needed--
	if m.needed != 0 {
		return false
	}
	m.state = StateActive
	return true
}

// IsEmpty reports whether every object in the slab is free — the slab
// is a candidate to retire back to the chunk allocator.
func (m *Metaslab) IsEmpty() bool { return m.allocated == 0 }

// IsFull reports whether the slab has no free objects.
func (m *Metaslab) IsFull() bool { return m.freeHead == noNext }

// State returns the slab's current state.
func (m *Metaslab) State() State { return m.state }

// Allocated returns the number of currently allocated objects.
func (m *Metaslab) Allocated() uint16 { return m.allocated }

// IsStartOfObject reports whether addr is exactly the start of one of
// this slab's objects, using the owning size class's reciprocal
// division rather than a native modulus (spec §4.1/§4.5).
func (m *Metaslab) IsStartOfObject(tbl *sizeclass.Table, addr uintptr) bool {
	if addr < m.Base || addr >= m.Base+m.Size {
		return false
	}
	return tbl.IsMultipleOfSizeclass(m.Class, uint64(addr-m.Base))
}

// BaseOf returns the start address of whichever object in this slab
// contains addr (addr need not be the object's start), for resolving
// interior pointers (spec §4.7's external_pointer supplemented
// feature). ok is false if addr does not fall within this slab.
func (m *Metaslab) BaseOf(addr uintptr) (uintptr, bool) {
	if addr < m.Base || addr >= m.Base+m.Size {
		return 0, false
	}
	idx := (addr - m.Base) / uintptr(m.ObjectSize)
	return m.Base + idx*uintptr(m.ObjectSize), true
}

// OffsetOf validates and converts addr into a slot offset, erroring if
// addr does not land on an object boundary within the slab — used on
// the free path to catch a caller passing a corrupted or
// interior pointer before it is spliced into the free list.
func (m *Metaslab) OffsetOf(tbl *sizeclass.Table, addr uintptr) (uint64, error) {
	if !m.IsStartOfObject(tbl, addr) {
		return 0, fmt.Errorf("slabmeta: address %#x is not the start of an object in slab %#x", addr, m.Base)
	}
	return uint64(addr - m.Base), nil
}
