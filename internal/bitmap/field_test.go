package bitmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/bitmap"
)

func TestFieldFirstFitWithinOneWord(t *testing.T) {
	t.Parallel()

	words := make([]uint64, 4)
	f := bitmap.FieldOver(words)

	idx := f.AllocateRun(10)
	assert.EqualValues(t, 0, idx)
	assert.True(t, f.TestRun(0, 10))

	// 54 free bits remain in word 0, too few for a 64-bit run; that run
	// must come from a fully clear word.
	idx = f.AllocateRun(64)
	assert.EqualValues(t, 64, idx)

	f.ClearRun(0, 10)
	f.ClearRun(64, 64)
	assert.EqualValues(t, 0, f.PopCount())
}

func TestFieldSetRunSpansWords(t *testing.T) {
	t.Parallel()

	words := make([]uint64, 2)
	f := bitmap.FieldOver(words)

	f.SetRun(60, 8) // crosses the word boundary
	require.True(t, f.TestRun(60, 8))
	assert.Equal(t, 8, f.PopCount())

	// A reserved straddling run steers allocation around it.
	idx := f.AllocateRun(60)
	assert.EqualValues(t, 0, idx)
}

func TestFieldSharesCallerStorage(t *testing.T) {
	t.Parallel()

	words := make([]uint64, 1)
	f := bitmap.FieldOver(words)

	idx := f.AllocateRun(3)
	require.EqualValues(t, 0, idx)
	assert.EqualValues(t, 0b111, words[0], "mutations must land in the caller's words")
}
