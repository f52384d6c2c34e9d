// Package sizeclass implements the compressed size-class table shared by
// every layer of the allocator: the mapping from a requested byte count to
// a size class, and back, plus the reciprocal-division arithmetic used to
// avoid native % and / on the hot path.
//
// The table layout is the one described in spec §3/§4.1: for every
// exponent >= MinAllocBits there are 2^IntermediateBits evenly spaced
// classes, the same scheme the teacher's runtime/msize.go uses with a
// fixed 8-then-128-byte stride, generalized here to a configurable
// exponent/intermediate-bits pair.
package sizeclass

import (
	"fmt"
	"math/bits"
)

// Class identifies an object-size bucket. Class 0 is reserved to mean
// "not a small object" (spec §4.1, mirroring the teacher's sizeclass 0).
type Class uint8

const (
	// MinChunkSize is the granularity of the pagemap (spec §3).
	MinChunkSize = 1 << 14

	// MinAllocBits is the log2 of the smallest object size the table
	// hands out (16 bytes: the smallest size that keeps a free-list
	// "next" pointer plus a tag nibble addressable on every platform).
	MinAllocBits = 4

	// IntermediateBits controls how many evenly spaced classes sit
	// between 2^e and 2^(e+1); 2^IntermediateBits classes per octave.
	IntermediateBits = 2

	// MinObjectCount is the minimum number of objects a slab must be
	// able to hold; the slab size is rounded up to the next power of
	// two so that at least this many objects fit (spec §3).
	MinObjectCount = 16

	// maxSizeClassBits bounds the table: the last octave built is
	// [2^maxSizeClassBits, 2^(maxSizeClassBits+1)), so the largest class
	// handled by the small-object path sits just below
	// 2^(maxSizeClassBits+1) bytes (28MiB with IntermediateBits = 2).
	// Anything bigger takes the large-allocation path (spec §4.7).
	maxSizeClassBits = 24

	// direct-lookup fast path threshold for SizeToClass, mirroring the
	// teacher's size_to_class8/size_to_class128 split arrays.
	directLookupThreshold = 4096
)

// Reciprocal holds the fixed-point multiplier used to replace a runtime
// division/modulus by a size class's rsize with a multiply-and-shift.
//
// Construction: Magic = ceil(2^64/d) for d > 1, computed without
// overflowing by using the identity ceil(2^64/d) == MaxUint64/d + 1
// (which holds for powers of two as well). For any dividend n < 2^32 and any
// d < 2^32 this satisfies the standard multiply-high division identity
//
//	floor(n/d) == high64(n * Magic)
//
// because 64 >= 32 + ceil(log2(d)) holds for every d this table ever
// produces (rsize stays below 2^(maxSizeClassBits+1), far below 2^32). d == 1
// is a degenerate case handled by Identity below rather than by the
// multiplier (ceil(2^64/1) does not fit in a uint64).
type Reciprocal struct {
	Magic    uint64
	Identity bool // true when RSize == 1: division/mod are no-ops
}

func newReciprocal(d uint64) Reciprocal {
	if d == 1 {
		return Reciprocal{Identity: true}
	}
	magic := ^uint64(0)/d + 1
	return Reciprocal{Magic: magic}
}

// Div returns floor(n/d) for the d this Reciprocal was built from.
func (r Reciprocal) Div(n uint64) uint64 {
	if r.Identity {
		return n
	}
	hi, _ := bits.Mul64(n, r.Magic)
	return hi
}

// Mod returns n - d*Div(n) for the d this Reciprocal was built from.
func (r Reciprocal) Mod(n, d uint64) uint64 {
	if r.Identity {
		return 0
	}
	return n - r.Div(n)*d
}

// entry is one row of the compile-time-constructed size-class table.
type entry struct {
	rsize         uint32 // object size handed out for this class
	slabSize      uint32 // size of the chunk this class carves into objects
	slabClass     Class  // the size class of a slab-sized chunk itself
	capacity      uint16 // objects per slab
	wakeThreshold uint16 // threshold_for_waking_slab(c)
	recip         Reciprocal
}

// Table is the closed, compile-time-fixed size-class table (spec §4.1).
// The zero value is not usable; use NewTable.
type Table struct {
	entries   []entry
	direct    []Class // size_to_sizeclass for n <= directLookupThreshold, indexed by n rounded up to 2^directLog, >>directLog
	directLog int
	wakePolicy WakePolicy
}

// WakePolicy computes threshold_for_waking_slab(c) from a slab's
// capacity. Spec §9 documents the source's formula
// min(capacity/16 + 2, 32) as one policy among others depending on
// hardening mode; here the knob is NewTable's wakePolicy argument (nil
// selects DefaultWakePolicy) instead of a single fixed formula. It is
// not tied to internal/config.HardeningMode.
type WakePolicy func(capacity uint16) uint16

// DefaultWakePolicy is the formula named in spec §9.
func DefaultWakePolicy(capacity uint16) uint16 {
	t := capacity/16 + 2
	if t > 32 {
		t = 32
	}
	if t == 0 {
		t = 1
	}
	return t
}

// NewTable constructs the size-class table. minAllocBits and
// intermediateBits follow spec §3's definition; wakePolicy may be nil to
// use DefaultWakePolicy.
func NewTable(minAllocBits, intermediateBits int, wakePolicy WakePolicy) *Table {
	if wakePolicy == nil {
		wakePolicy = DefaultWakePolicy
	}
	t := &Table{wakePolicy: wakePolicy}

	// Class 0 is reserved ("not small"); build classes starting at 1.
	step := uint32(1) << intermediateBits
	for e := minAllocBits; e <= maxSizeClassBits; e++ {
		base := uint32(1) << e
		var stride uint32
		if e == minAllocBits {
			stride = base // first octave has only the base size itself
		} else {
			stride = base / step
		}
		lo := base
		hi := base * 2
		if e == minAllocBits {
			lo = base
		}
		for size := lo; size < hi; size += stride {
			if len(t.entries) > 0 && t.entries[len(t.entries)-1].rsize == size {
				continue
			}
			t.addClass(size)
			if e == minAllocBits {
				break // single class for the first octave
			}
		}
	}

	t.buildDirect()
	t.resolveSlabClasses()
	return t
}

func (t *Table) addClass(rsize uint32) {
	slabSize := nextPow2(uint64(MinObjectCount) * uint64(rsize))
	if slabSize < MinChunkSize {
		slabSize = MinChunkSize
	}
	capacity := uint16(uint64(slabSize) / uint64(rsize))
	e := entry{
		rsize:    rsize,
		slabSize: uint32(slabSize),
		capacity: capacity,
		recip:    newReciprocal(uint64(rsize)),
	}
	e.wakeThreshold = t.wakePolicy(capacity)
	t.entries = append(t.entries, e)
}

func (t *Table) resolveSlabClasses() {
	for i := range t.entries {
		t.entries[i].slabClass = t.classForExactSize(uint64(t.entries[i].slabSize))
	}
}

// classForExactSize finds the smallest class whose rsize >= size; used
// only at table-construction time (to resolve sizeclass_to_slab_sizeclass)
// so a linear scan is fine.
func (t *Table) classForExactSize(size uint64) Class {
	for i, e := range t.entries {
		if uint64(e.rsize) >= size {
			return Class(i + 1)
		}
	}
	return Class(len(t.entries))
}

func (t *Table) buildDirect() {
	t.directLog = 3 // 8-byte granularity direct table, as in the teacher
	n := directLookupThreshold >> t.directLog
	t.direct = make([]Class, n+1)
	idx := 0
	for i := 0; i <= n; i++ {
		want := uint64(i) << t.directLog
		for idx < len(t.entries)-1 && uint64(t.entries[idx].rsize) < want {
			idx++
		}
		t.direct[i] = Class(idx + 1)
	}
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return uint64(1) << bits.Len64(v-1)
}

// NumClasses returns the number of non-zero size classes in the table.
func (t *Table) NumClasses() int { return len(t.entries) }

func (t *Table) check(c Class) entry {
	if c == 0 || int(c) > len(t.entries) {
		panic(fmt.Sprintf("sizeclass: invalid class %d", c))
	}
	return t.entries[c-1]
}

// SizeToClass rounds n up to a size class deterministically: the result
// always satisfies SizeclassToSize(c) >= n (spec §4.1). For n within the
// direct-lookup threshold this is an O(1) array index, exactly as the
// teacher's size_to_class8/size_to_class128 split does; above it, the
// leading-zero count narrows the octave before a short scan over the
// at-most 2^IntermediateBits classes it contains, which is the
// "constant-time below a threshold, else by counting leading zeros"
// split spec §4.1 calls for.
func (t *Table) SizeToClass(n uint64) Class {
	if n == 0 {
		n = 1
	}
	if n <= directLookupThreshold {
		idx := (n + (1 << t.directLog) - 1) >> t.directLog
		return t.direct[idx]
	}
	octave := bits.Len64(n - 1)
	lo, hi := 0, len(t.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bits.Len64(uint64(t.entries[mid].rsize)-1) < octave {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	for i := lo; i < len(t.entries); i++ {
		if uint64(t.entries[i].rsize) >= n {
			return Class(i + 1)
		}
	}
	panic("sizeclass: size exceeds table range")
}

// SizeclassToSize returns rsize for c.
func (t *Table) SizeclassToSize(c Class) uint64 { return uint64(t.check(c).rsize) }

// MaxSize returns the largest size the table serves directly; a
// request above it takes the large-object path instead of SizeToClass
// (which panics beyond this point).
func (t *Table) MaxSize() uint64 { return uint64(t.entries[len(t.entries)-1].rsize) }

// SizeclassToSlabSize returns the slab size for c.
func (t *Table) SizeclassToSlabSize(c Class) uint64 { return uint64(t.check(c).slabSize) }

// SizeclassToSlabSizeclass returns the size class of a slab-sized chunk
// of the given class (used to ask the chunk allocator/backend for the
// right chunk bucket).
func (t *Table) SizeclassToSlabSizeclass(c Class) Class { return t.check(c).slabClass }

// SizeclassToSlabObjectCount returns capacity for c.
func (t *Table) SizeclassToSlabObjectCount(c Class) uint16 { return t.check(c).capacity }

// ThresholdForWakingSlab returns needed's initial value for c.
func (t *Table) ThresholdForWakingSlab(c Class) uint16 { return t.check(c).wakeThreshold }

// RoundBySizeclass rounds offset down to the nearest multiple of rsize,
// via the class's reciprocal (no native division).
func (t *Table) RoundBySizeclass(c Class, offset uint64) uint64 {
	e := t.check(c)
	q := e.recip.Div(offset)
	return q * uint64(e.rsize)
}

// IsMultipleOfSizeclass reports whether offset is an exact multiple of
// rsize for c.
func (t *Table) IsMultipleOfSizeclass(c Class, offset uint64) bool {
	e := t.check(c)
	return e.recip.Mod(offset, uint64(e.rsize)) == 0
}
