package lba_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/lba"
)

func TestArenaSizeFloorsAt64MiB(t *testing.T) {
	t.Parallel()

	assert.Equal(t, lba.MinArenaSize, lba.ArenaSizeFor(1))
	assert.Equal(t, lba.MinArenaSize, lba.ArenaSizeFor(1<<20))
}

func TestArenaSizeRoundsToNextPowerOfTwo(t *testing.T) {
	t.Parallel()

	got := lba.ArenaSizeFor(100 << 20)
	assert.Equal(t, 128<<20, got)
}

func TestAllocateAndFree(t *testing.T) {
	t.Parallel()

	a := lba.NewArena(1<<20, nil, 8)
	t.Cleanup(a.Dispose)

	addr, ok := a.Allocate(1 << 20)
	require.True(t, ok)
	assert.EqualValues(t, 0, int(addr)%lba.Align)

	require.True(t, a.FreeBlock(addr))
	require.NoError(t, a.SanityCheck())
	assert.True(t, a.IsEmpty())
}
