package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/registry"
)

type nopRegistrant struct{}

func (nopRegistrant) FreeBlock(memaddr.Addr[byte]) bool { return true }

func TestRegisterReusesReleasedSlots(t *testing.T) {
	t.Parallel()

	r := &registry.Registry{}
	a := r.Register(nopRegistrant{})
	b := r.Register(nopRegistrant{})
	require.NotEqual(t, a, b)

	r.Unregister(a)
	c := r.Register(nopRegistrant{})
	assert.Equal(t, a, c, "released slot must be handed out again before the table grows")
}

func TestLookupAfterUnregister(t *testing.T) {
	t.Parallel()

	r := &registry.Registry{}
	id := r.Register(nopRegistrant{})

	_, ok := r.Lookup(id)
	require.True(t, ok)

	r.Unregister(id)
	_, ok = r.Lookup(id)
	assert.False(t, ok)
}

func TestFreeWithUnknownIndexIsFatal(t *testing.T) {
	t.Parallel()

	r := &registry.Registry{}
	_, err := r.Free(12345, 0)
	assert.Error(t, err)
}
