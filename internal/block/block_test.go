package block_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/registry"
)

type countingRegistrant struct {
	frees int
}

func (c *countingRegistrant) FreeBlock(userAddr memaddr.Addr[byte]) bool {
	c.frees++
	return true
}

func newTestBlock(t *testing.T, reg *registry.Registry, blockIndex int32) block.Block {
	t.Helper()
	buf := make([]byte, block.HeaderSize+16)
	// The block is addressed by a raw uintptr, so keep buf on the heap and
	// reachable for the whole test.
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	userAddr := memaddr.AddrOf(&buf[block.HeaderSize])
	block.WriteHeader(userAddr, blockIndex, false)
	return block.FromSegment(memaddr.Segment{Base: userAddr, Length: 16})
}

func TestSentinelFreeIsNoop(t *testing.T) {
	t.Parallel()

	ok, err := block.Free(block.Sentinel)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 0, block.Sentinel.AddRef())
}

func TestAddRefFreeBalance(t *testing.T) {
	// Not parallel: swaps registry.Global.
	reg := &registry.Registry{}
	cr := &countingRegistrant{}
	id := reg.Register(cr)
	defer reg.Unregister(id)

	saved := registry.Global
	registry.Global = reg
	defer func() { registry.Global = saved }()

	b := newTestBlock(t, reg, id)

	const k = 3
	for i := 0; i < k; i++ {
		b.AddRef()
	}

	for i := 0; i < k; i++ {
		ok, err := block.Free(b)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, cr.frees)
	}

	ok, err := block.Free(b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, cr.frees)

	// Extra Free beyond the legitimate count is reported, not dispatched
	// again.
	ok, err = block.Free(b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, cr.frees)
}

func TestUnresolvableBlockIndexIsFatal(t *testing.T) {
	// Not parallel: swaps registry.Global.
	reg := &registry.Registry{}
	saved := registry.Global
	registry.Global = reg
	defer func() { registry.Global = saved }()

	b := newTestBlock(t, reg, 999)
	_, err := block.Free(b)
	assert.Error(t, err)
}
