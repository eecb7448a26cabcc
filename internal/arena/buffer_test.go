package arena_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockpool/blockpool/internal/arena"
)

func TestNewAlignment(t *testing.T) {
	t.Parallel()

	for _, align := range []int{16, 64} {
		b := arena.New(1<<20, align)
		prev, _ := b.Base().Misalign(align)
		assert.Equal(t, 0, prev)
		assert.GreaterOrEqual(t, b.Len(), 1<<20)
	}
}

func TestSuggestSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1<<26, arena.SuggestSize(1<<20, 26))
	assert.Equal(t, 1<<27, arena.SuggestSize(1<<26+1, 26))
	assert.Equal(t, 1<<26, arena.SuggestSize(1<<26, 26))
}
