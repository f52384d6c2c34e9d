package chunkalloc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreheap/coreheap/internal/addrspace"
	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

func testSetup(t *testing.T) (*Allocator, *sizeclass.Table) {
	t.Helper()
	p := pal.NewFake()
	mgr := addrspace.New(p)
	tbl := sizeclass.NewTable(sizeclass.MinAllocBits, sizeclass.IntermediateBits, nil)
	cfg := config.Default()
	return New(mgr, p, tbl, cfg), tbl
}

func TestAllocChunkReservesFreshWhenEmpty(t *testing.T) {
	a, tbl := testSetup(t)
	class := tbl.SizeToClass(48)
	rec, err := a.AllocChunk(class)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, tbl.SizeclassToSlabSize(class), uint64(rec.Size))
}

func TestDeallocThenAllocReusesSameChunk(t *testing.T) {
	a, tbl := testSetup(t)
	class := tbl.SizeToClass(48)
	rec, err := a.AllocChunk(class)
	require.NoError(t, err)
	base := rec.Base

	a.Dealloc(rec)
	rec2, err := a.AllocChunk(class)
	require.NoError(t, err)
	require.Equal(t, base, rec2.Base, "freed chunk should be recycled before a fresh reservation")
}

func TestCleanupUnusedDecommitsAndAllowsRecommit(t *testing.T) {
	a, tbl := testSetup(t)
	class := tbl.SizeToClass(48)
	rec, err := a.AllocChunk(class)
	require.NoError(t, err)
	a.Dealloc(rec)

	a.CleanupUnused()
	rec2, err := a.AllocChunk(class)
	require.NoError(t, err)
	require.NotNil(t, rec2)
}

func TestAdvanceEpochEventuallyDecommits(t *testing.T) {
	a, tbl := testSetup(t)
	class := tbl.SizeToClass(48)
	rec, err := a.AllocChunk(class)
	require.NoError(t, err)
	a.Dealloc(rec)

	for i := 0; i < a.cfg.NumEpochs+1; i++ {
		a.advanceEpoch()
	}

	require.NotNil(t, a.decommitted.pop(), "chunk should have decayed into the decommitted stack")
}

func TestStartStopTimerIsSafe(t *testing.T) {
	a, _ := testSetup(t)
	a.cfg.DecayPeriod = time.Millisecond
	a.Start()
	time.Sleep(5 * time.Millisecond)
	a.Stop()
}
