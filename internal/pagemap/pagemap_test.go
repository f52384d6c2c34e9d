package pagemap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestGetMetaEntryUnsetIsUnused(t *testing.T) {
	var p Pagemap
	_, ok := p.GetMetaEntry(0x7f0000000000)
	require.False(t, ok)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	var p Pagemap
	var dummy int
	owner := unsafe.Pointer(&dummy)
	addr := uintptr(0x7f1234560000)
	p.SetMetaEntry(addr, MetaEntry{Kind: KindSmall, Class: 5, Owner: owner, Meta: owner})

	e, ok := p.GetMetaEntry(addr)
	require.True(t, ok)
	require.Equal(t, KindSmall, e.Kind)
	require.EqualValues(t, 5, e.Class)
	require.Equal(t, owner, e.Owner)
}

func TestEntriesAreChunkGranular(t *testing.T) {
	var p Pagemap
	var dummy int
	owner := unsafe.Pointer(&dummy)
	base := uintptr(0x7f2000000000)
	p.SetMetaEntry(base, MetaEntry{Kind: KindLarge, Owner: owner})

	e, ok := p.GetMetaEntry(base + 100)
	require.True(t, ok)
	require.Equal(t, KindLarge, e.Kind)

	_, ok = p.GetMetaEntry(base + (1 << chunkShift))
	require.False(t, ok)
}

func TestRegisterRangeTouchesLeavesWithoutInstallingEntries(t *testing.T) {
	var p Pagemap
	base := uintptr(0x7f3000000000)
	p.RegisterRange(base, 4<<chunkShift)
	for a := base; a < base+4<<chunkShift; a += 1 << chunkShift {
		_, ok := p.GetMetaEntry(a)
		require.False(t, ok, "RegisterRange must not mark chunks as used")
	}
}
