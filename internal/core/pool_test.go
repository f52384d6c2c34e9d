package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreheap/coreheap/internal/addrspace"
	"github.com/coreheap/coreheap/internal/chunkalloc"
	"github.com/coreheap/coreheap/internal/config"
	"github.com/coreheap/coreheap/internal/pagemap"
	"github.com/coreheap/coreheap/internal/pal"
	"github.com/coreheap/coreheap/internal/sizeclass"
)

func testFactory(t *testing.T) (*Pool, func() *CoreAllocator) {
	t.Helper()
	p := pal.NewFake()
	mgr := addrspace.New(p)
	tbl := sizeclass.NewTable(sizeclass.MinAllocBits, sizeclass.IntermediateBits, nil)
	chunks := chunkalloc.New(mgr, p, tbl, config.Default())
	pm := &pagemap.Pagemap{}
	var next uint64
	return NewPool(p), func() *CoreAllocator {
		next++
		return New(next, tbl, chunks, mgr, pm, p, config.Default())
	}
}

func TestAcquireReleaseReusesInstance(t *testing.T) {
	pool, factory := testFactory(t)
	c1 := pool.Acquire(factory)
	pool.Release(c1)
	c2 := pool.Acquire(factory)
	require.Same(t, c1, c2)
}

func TestAcquireWithoutReleaseConstructsFresh(t *testing.T) {
	pool, factory := testFactory(t)
	c1 := pool.Acquire(factory)
	c2 := pool.Acquire(factory)
	require.NotSame(t, c1, c2)
}

func TestDebugCheckEmptyVisitsAllEverCreated(t *testing.T) {
	pool, factory := testFactory(t)
	c1 := pool.Acquire(factory)
	c2 := pool.Acquire(factory)
	pool.Release(c1)
	pool.Release(c2)

	seen := make(map[*CoreAllocator]bool)
	pool.DebugCheckEmpty(func(c *CoreAllocator) { seen[c] = true })
	require.True(t, seen[c1])
	require.True(t, seen[c2])
}

func TestDoubleReleaseIsFatal(t *testing.T) {
	pool, factory := testFactory(t)
	c := pool.Acquire(factory)
	pool.Release(c)
	require.Panics(t, func() { pool.Release(c) })
}
