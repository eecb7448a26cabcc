package sba_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/sba"
)

func TestNewArenaFitsManySmallAllocations(t *testing.T) {
	t.Parallel()

	a := sba.NewArena(nil, 8)
	t.Cleanup(a.Dispose)

	n := 0
	for {
		_, ok := a.Allocate(16)
		if !ok {
			break
		}
		n++
	}
	require.NoError(t, a.SanityCheck())
	// A 1 MiB arena carving 16-byte payloads behind a fixed 32-byte header
	// lands in the tens of thousands of blocks.
	assert.Greater(t, n, 10000)
}

func TestMaxSegmentSizeBoundary(t *testing.T) {
	t.Parallel()

	a := sba.NewArena(nil, 8)
	t.Cleanup(a.Dispose)

	_, ok := a.Allocate(sba.MaxSegmentSize)
	assert.True(t, ok, "a fresh 1 MiB arena should fit one max-size SBA segment")
}

func TestOverMaxSegmentSizeRejected(t *testing.T) {
	t.Parallel()

	a := sba.NewArena(nil, 8)
	t.Cleanup(a.Dispose)

	_, ok := a.Allocate(sba.MaxSegmentSize + 1)
	assert.False(t, ok)
}
