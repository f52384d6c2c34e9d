package malloc

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/pal"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h := NewHeap(pal.NewFake(), config.Default(), "coreheap_malloc_test")
	t.Cleanup(h.Close)
	return h
}

func TestMallocFreeRoundTrips(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(48)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, h.Free(p))
}

func TestMallocZeroReturnsDistinctPointer(t *testing.T) {
	h := newTestHeap(t)
	p1, err := h.Malloc(0)
	require.NoError(t, err)
	p2, err := h.Malloc(0)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestFreeNilIsNoOp(t *testing.T) {
	h := newTestHeap(t)
	require.NoError(t, h.Free(nil))
}

func TestCallocZeroesMemory(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Calloc(16, 8)
	require.NoError(t, err)
	buf := unsafe.Slice((*byte)(p), 16*8)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestCallocOverflowReturnsEOVERFLOW(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Calloc(^uintptr(0), 2)
	require.ErrorIs(t, err, syscall.EOVERFLOW)
}

func TestReallocNilActsAsMalloc(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Realloc(nil, 32)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestReallocZeroActsAsFree(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(32)
	require.NoError(t, err)
	p2, err := h.Realloc(p, 0)
	require.NoError(t, err)
	require.Nil(t, p2)
}

func TestReallocPreservesContent(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(16)
	require.NoError(t, err)
	src := unsafe.Slice((*byte)(p), 16)
	for i := range src {
		src[i] = byte(i + 1)
	}

	p2, err := h.Realloc(p, 256)
	require.NoError(t, err)
	dst := unsafe.Slice((*byte)(p2), 16)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(i+1), dst[i])
	}
}

func TestReallocWithinSameSizeClassReturnsSamePointer(t *testing.T) {
	h := newTestHeap(t)
	// 17 rounds up to the 32-byte size class covering (16, 32], which
	// also covers 19: same class, so this must be an in-place no-op rather
	// than a new allocation.
	p, err := h.Malloc(17)
	require.NoError(t, err)
	src := unsafe.Slice((*byte)(p), 17)
	for i := range src {
		src[i] = byte(i + 1)
	}

	p2, err := h.Realloc(p, 19)
	require.NoError(t, err)
	require.Equal(t, p, p2, "realloc within the same size class must return the original pointer")

	dst := unsafe.Slice((*byte)(p2), 17)
	for i := 0; i < 17; i++ {
		require.Equal(t, byte(i+1), dst[i])
	}
}

func TestAlignedAllocRejectsNonPow2Alignment(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.AlignedAlloc(3, 16)
	require.Error(t, err)
}

func TestAlignedAllocRejectsSizeNotMultipleOfAlignment(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.AlignedAlloc(64, 50)
	require.Error(t, err)
}

func TestAlignedAllocReturnsAlignedPointer(t *testing.T) {
	h := newTestHeap(t)
	const alignment = 256
	p, err := h.AlignedAlloc(alignment, 512)
	require.NoError(t, err)
	require.Zero(t, uintptr(p)%alignment)
	require.NoError(t, h.Free(p))
}

func TestAlignedAllocAboveChunkSizeIsAligned(t *testing.T) {
	h := newTestHeap(t)
	const alignment = 1 << 16
	p, err := h.AlignedAlloc(alignment, alignment)
	require.NoError(t, err)
	require.Zero(t, uintptr(p)%alignment)
}

func TestPosixMemalignRejectsNonMultipleOfPointerSize(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.PosixMemalign(3, 16)
	require.Error(t, err)
}

func TestAllocSizeAndMallocUsableSize(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(20)
	require.NoError(t, err)

	size, ok := h.AllocSize(p)
	require.True(t, ok)
	require.GreaterOrEqual(t, size, uintptr(20))
	require.Equal(t, size, h.MallocUsableSize(p))
}

func TestExternalPointerResolvesInteriorPointer(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(48)
	require.NoError(t, err)

	interior := unsafe.Pointer(uintptr(p) + 10)
	base, ok := h.ExternalPointer(interior)
	require.True(t, ok)
	require.Equal(t, p, base)
}

func TestLargeAllocFreeRoundTrips(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(1 << 20)
	require.NoError(t, err)
	size, ok := h.AllocSize(p)
	require.True(t, ok)
	require.GreaterOrEqual(t, size, uintptr(1<<20))
	require.NoError(t, h.Free(p))
}

func TestDebugCheckEmptyPassesWithNoLeaks(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	require.NoError(t, h.DebugCheckEmpty())
}

func TestDebugCheckEmptyFailsWithOutstandingAllocation(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Malloc(32)
	require.NoError(t, err)
	require.Error(t, h.DebugCheckEmpty())
}

func TestReleaseThreadDetachesLocalAllocator(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	h.ReleaseThread()
	require.NoError(t, h.DebugCheckEmpty())
}
