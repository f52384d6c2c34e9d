package addrspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

func TestReserveGrowsFromPALWhenEmpty(t *testing.T) {
	m := New(pal.NewFake())
	base, err := m.Reserve(sizeclass.MinChunkSize)
	require.NoError(t, err)
	require.Zero(t, base%sizeclass.MinChunkSize, "reserved block must be chunk-aligned")
}

func TestReserveNonPowerOfTwoRejected(t *testing.T) {
	m := New(pal.NewFake())
	_, err := m.Reserve(3 * sizeclass.MinChunkSize)
	require.Error(t, err)
}

func TestReservedBlocksAreDistinct(t *testing.T) {
	m := New(pal.NewFake())
	seen := make(map[uintptr]bool)
	for i := 0; i < 64; i++ {
		base, err := m.Reserve(sizeclass.MinChunkSize)
		require.NoError(t, err)
		require.False(t, seen[base], "Reserve handed out the same block twice")
		seen[base] = true
	}
}

func TestReserveLargerOrderSplitsCorrectly(t *testing.T) {
	m := New(pal.NewFake())
	big, err := m.Reserve(4 * sizeclass.MinChunkSize)
	require.NoError(t, err)
	require.Zero(t, big%(4*sizeclass.MinChunkSize))

	// The split-off buddies should now be available at smaller orders.
	small, err := m.Reserve(sizeclass.MinChunkSize)
	require.NoError(t, err)
	require.NotEqual(t, big, small)
}

func TestCommitBlockDelegatesToPAL(t *testing.T) {
	m := New(pal.NewFake())
	base, err := m.Reserve(sizeclass.MinChunkSize)
	require.NoError(t, err)
	require.NoError(t, m.CommitBlock(base, sizeclass.MinChunkSize))
}
