package segalloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/segalloc"
)

func newArena(t *testing.T, size int) *segalloc.Arena {
	t.Helper()
	cfg := segalloc.NewConfig(16, 0x8000-12)
	a := segalloc.New(cfg, size, nil, 8)
	t.Cleanup(a.Dispose)
	return a
}

func TestAllocateAlignedAndWritesHeader(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)
	addr, ok := a.Allocate(64)
	require.True(t, ok)
	assert.EqualValues(t, 0, int(addr)%16)
	require.NoError(t, a.SanityCheck())

	require.True(t, a.FreeBlock(addr))
	require.NoError(t, a.SanityCheck())
}

func TestTailTakeThenFreeCoalesces(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)
	require.EqualValues(t, 1, a.FreeSegmentCount())

	addr1, ok := a.Allocate(64)
	require.True(t, ok)
	require.NoError(t, a.SanityCheck())
	require.True(t, a.FreeBlock(addr1))

	// After the only allocation is freed, the arena should be back to a
	// single free segment (forward/backward coalescing collapses to the
	// pre-allocation state since there is nothing else around it).
	assert.True(t, a.IsEmpty())
	require.NoError(t, a.SanityCheck())
}

func TestThreeAdjacentFreeOutOfOrderDefrags(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)

	var addrs []memaddr.Addr[byte]
	for i := 0; i < 3; i++ {
		addr, ok := a.Allocate(16)
		require.True(t, ok)
		addrs = append(addrs, addr)
	}
	preAllocFree := a.FreeSegmentCount()

	require.True(t, a.FreeBlock(addrs[0]))
	require.True(t, a.FreeBlock(addrs[2]))
	require.True(t, a.FreeBlock(addrs[1]))

	a.DefragFreeSegments()
	require.NoError(t, a.SanityCheck())
	assert.Equal(t, preAllocFree, a.FreeSegmentCount())
}

func TestLinearThenInterleavedSmallBlocks(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)

	var addrs []memaddr.Addr[byte]
	for {
		addr, ok := a.Allocate(16)
		if !ok {
			break
		}
		addrs = append(addrs, addr)
	}
	require.NoError(t, a.SanityCheck())
	count := len(addrs)
	require.Greater(t, count, 1000)

	occBefore := a.OccupiedSegmentCount()

	for i := 0; i < len(addrs); i += 2 {
		require.True(t, a.FreeBlock(addrs[i]))
	}
	require.NoError(t, a.SanityCheck())

	realloc := 0
	for {
		_, ok := a.Allocate(16)
		if !ok {
			break
		}
		realloc++
	}
	require.NoError(t, a.SanityCheck())
	assert.Equal(t, occBefore, a.OccupiedSegmentCount())
	assert.Equal(t, (count+1)/2, realloc)
}

func TestAllocateRejectsOversized(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)
	_, ok := a.Allocate(0x8000)
	assert.False(t, ok)
}
