package local

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreheap/coreheap/internal/addrspace"
	"github.com/coreheap/coreheap/internal/chunkalloc"
	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/core"
	"github.com/coreheap/coreheap/internal/pagemap"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

func newLocal(t *testing.T, cfg config.Config) *LocalAllocator {
	t.Helper()
	p := pal.NewFake()
	mgr := addrspace.New(p)
	tbl := sizeclass.NewTable(sizeclass.MinAllocBits, sizeclass.IntermediateBits, nil)
	chunks := chunkalloc.New(mgr, p, tbl, cfg)
	pm := &pagemap.Pagemap{}
	pool := core.NewPool(p)
	var next uint64
	factory := func() *core.CoreAllocator {
		next++
		return core.New(next, tbl, chunks, mgr, pm, p, cfg)
	}
	return New(pool, factory, tbl, pm, cfg)
}

func TestLazyInitAcquiresOnFirstAlloc(t *testing.T) {
	l := newLocal(t, config.Default())
	addr, err := l.Alloc(32)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.NotNil(t, l.mine)
}

func TestLocalFreeOfOwnAllocationIsImmediate(t *testing.T) {
	l := newLocal(t, config.Default())
	addr, err := l.Alloc(48)
	require.NoError(t, err)
	require.NoError(t, l.Free(addr))
	require.Empty(t, l.remote)
}

func TestLargeAllocFreeRoundTrips(t *testing.T) {
	l := newLocal(t, config.Default())
	addr, err := l.Alloc(1 << 20)
	require.NoError(t, err)
	require.NoError(t, l.Free(addr))
}

func TestFreeOfUnknownAddressIsCorruption(t *testing.T) {
	l := newLocal(t, config.Default())
	err := l.Free(0xdeadbeef)
	require.Error(t, err)
}

func TestRemoteFreeQueuesUntilThresholdThenFlushes(t *testing.T) {
	cfg := config.Default()
	cfg.RemoteCacheBytes = 1 << 30 // large enough that the test controls flush timing explicitly

	p := pal.NewFake()
	mgr := addrspace.New(p)
	tbl := sizeclass.NewTable(sizeclass.MinAllocBits, sizeclass.IntermediateBits, nil)
	chunks := chunkalloc.New(mgr, p, tbl, cfg)
	pm := &pagemap.Pagemap{}
	pool := core.NewPool(p)

	var next uint64
	factory := func() *core.CoreAllocator {
		next++
		return core.New(next, tbl, chunks, mgr, pm, p, cfg)
	}

	owner := pool.Acquire(factory)
	class := tbl.SizeToClass(48)
	addr, err := owner.AllocSmall(class)
	require.NoError(t, err)

	l := New(pool, factory, tbl, pm, cfg)
	// l acquires a different CoreAllocator than owner since owner is
	// already held (Acquire never hands out an in-use instance).
	require.NoError(t, l.Free(addr))
	require.Len(t, l.remote, 1)

	l.Flush()
	require.Empty(t, l.remote)

	owner.DrainRemote()
	addr2, err := owner.AllocSmall(class)
	require.NoError(t, err)
	require.Equal(t, addr, addr2)
}

func TestDetachFlushesAndReleasesCore(t *testing.T) {
	l := newLocal(t, config.Default())
	addr, err := l.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, l.Free(addr))

	l.Detach()
	require.Nil(t, l.mine)
}
