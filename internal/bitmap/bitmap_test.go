package bitmap_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/bitmap"
)

func TestAllocateAndFreeBasic(t *testing.T) {
	t.Parallel()

	b := bitmap.New(128, 8, nil)
	require.NoError(t, b.SanityCheck())

	idx := b.AllocateBits(8)
	assert.GreaterOrEqual(t, idx, int32(0))
	assert.EqualValues(t, 8, b.TotalSet())
	require.NoError(t, b.SanityCheck())

	require.NoError(t, b.FreeBits(idx, 8))
	assert.EqualValues(t, 0, b.TotalSet())
	require.NoError(t, b.SanityCheck())
}

func TestAllocateFullWord(t *testing.T) {
	t.Parallel()

	b := bitmap.New(64, 8, nil)
	idx := b.AllocateBits(64)
	assert.EqualValues(t, 0, idx)

	// Word is now full; nothing else fits.
	assert.EqualValues(t, -1, b.AllocateBits(1))
}

func TestTailBitsUnaddressable(t *testing.T) {
	t.Parallel()

	b := bitmap.New(70, 8, nil) // 2 words, second word has 6 live bits + 58 padding
	require.NoError(t, b.SanityCheck())

	// Should never be able to allocate more than the 70 addressable bits.
	total := int32(0)
	for {
		idx := b.AllocateBits(1)
		if idx < 0 {
			break
		}
		total++
	}
	assert.EqualValues(t, 70, total)
	require.NoError(t, b.SanityCheck())
}

func TestRejectsOversizedRun(t *testing.T) {
	t.Parallel()

	b := bitmap.New(128, 8, nil)
	assert.EqualValues(t, -1, b.AllocateBits(65))
	assert.EqualValues(t, -1, b.AllocateBits(0))
}

func TestFreeBitsCrossingWordRejected(t *testing.T) {
	t.Parallel()

	b := bitmap.New(128, 8, nil)
	err := b.FreeBits(60, 8)
	assert.Error(t, err)
}

func TestLevelAggregationAcrossManyWords(t *testing.T) {
	t.Parallel()

	// 300 words triggers L2 activation (>= 4 entries); well short of L3.
	b := bitmap.New(300*64, 16, nil)
	require.NoError(t, b.SanityCheck())

	var allocated []int32
	for i := 0; i < 250; i++ {
		idx := b.AllocateBits(64)
		require.GreaterOrEqual(t, idx, int32(0))
		allocated = append(allocated, idx)
	}
	require.NoError(t, b.SanityCheck())

	for _, idx := range allocated[:100] {
		require.NoError(t, b.FreeBits(idx, 64))
	}
	require.NoError(t, b.SanityCheck())
}

func TestConcurrentAllocateFree(t *testing.T) {
	t.Parallel()

	b := bitmap.New(4096, 64, nil)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				n := r.Intn(8) + 1
				idx := b.AllocateBits(n)
				if idx < 0 {
					continue
				}
				require.NoError(t, b.FreeBits(idx, n))
			}
		}(int64(g))
	}
	wg.Wait()

	assert.EqualValues(t, 0, b.TotalSet())
	require.NoError(t, b.SanityCheck())
}
