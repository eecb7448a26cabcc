package pages_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/pages"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	t.Parallel()

	a := pages.New(4096, 16, 8, nil)
	seg, err := a.AllocatePages(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3*4096, seg.Length)

	assert.True(t, a.FreePages(seg))
}

func TestBlockIDRoundTrip(t *testing.T) {
	t.Parallel()

	a := pages.New(4096, 16, 8, nil)
	seg, err := a.AllocatePages(5)
	require.NoError(t, err)

	id := a.ToBlockID(seg)
	assert.GreaterOrEqual(t, id, int32(0))

	back := a.FromBlockID(id)
	assert.Equal(t, seg.Base, back.Base)
	assert.Equal(t, seg.Length, back.Length)
}

func TestRejectsOutOfRangeRun(t *testing.T) {
	t.Parallel()

	a := pages.New(4096, 16, 8, nil)
	_, err := a.AllocatePages(0)
	assert.Error(t, err)
	_, err = a.AllocatePages(65)
	assert.Error(t, err)
}

func TestOutOfMemory(t *testing.T) {
	t.Parallel()

	a := pages.New(4096, 4, 8, nil)
	_, err := a.AllocatePages(4)
	require.NoError(t, err)

	_, err = a.AllocatePages(1)
	assert.Error(t, err)
}
