package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(MinAllocBits, IntermediateBits, nil)
}

func TestRoundTripIdempotence(t *testing.T) {
	tb := testTable(t)
	for c := Class(1); int(c) <= tb.NumClasses(); c++ {
		size := tb.SizeclassToSize(c)
		got := tb.SizeToClass(size)
		require.Equalf(t, c, got, "size %d round-tripped to class %d, want %d", size, got, c)
	}
}

func TestSizeToClassRoundsUp(t *testing.T) {
	tb := testTable(t)
	for n := uint64(1); n < 1<<20; n += 37 {
		c := tb.SizeToClass(n)
		require.GreaterOrEqualf(t, tb.SizeclassToSize(c), n, "class %d for size %d returned smaller rsize", c, n)
	}
}

func TestSlabCapacityCoversMinObjectCount(t *testing.T) {
	tb := testTable(t)
	for c := Class(1); int(c) <= tb.NumClasses(); c++ {
		require.GreaterOrEqual(t, int(tb.SizeclassToSlabObjectCount(c)), MinObjectCount)
		require.GreaterOrEqual(t, tb.SizeclassToSlabSize(c), uint64(MinChunkSize))
	}
}

func TestRoundBySizeclassIdempotentOnMultiples(t *testing.T) {
	tb := testTable(t)
	for c := Class(1); int(c) <= tb.NumClasses(); c++ {
		rsize := tb.SizeclassToSize(c)
		cap := uint64(tb.SizeclassToSlabObjectCount(c))
		for k := uint64(0); k < cap; k++ {
			off := k * rsize
			require.Equal(t, off, tb.RoundBySizeclass(c, off))
			require.True(t, tb.IsMultipleOfSizeclass(c, off))
		}
	}
}

func TestIsMultipleOfSizeclassRejectsInterior(t *testing.T) {
	tb := testTable(t)
	c := tb.SizeToClass(48)
	rsize := tb.SizeclassToSize(c)
	if rsize > 1 {
		require.False(t, tb.IsMultipleOfSizeclass(c, rsize/2))
	}
}

func TestThresholdForWakingSlabBounded(t *testing.T) {
	tb := testTable(t)
	for c := Class(1); int(c) <= tb.NumClasses(); c++ {
		th := tb.ThresholdForWakingSlab(c)
		require.GreaterOrEqual(t, th, uint16(1))
		require.LessOrEqual(t, th, uint16(32))
	}
}
