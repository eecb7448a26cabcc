package gpa_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/gpa"
	"github.com/blockpool/blockpool/internal/sba"
)

func newGPA(t *testing.T) *gpa.GPA {
	t.Helper()
	g := gpa.New()
	t.Cleanup(func() { _ = g.Dispose() })
	return g
}

func TestAllocateZeroIsSentinel(t *testing.T) {
	t.Parallel()

	g := newGPA(t)
	b, err := g.Allocate(0)
	require.NoError(t, err)
	assert.True(t, b.IsSentinel())

	ok, err := g.Free(b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSmallAndLargePathAlignment(t *testing.T) {
	t.Parallel()

	g := newGPA(t)

	small, err := g.Allocate(1024)
	require.NoError(t, err)
	assert.EqualValues(t, 0, int(small.Segment().Base)%16)

	// Just past the small threshold: must come from the large-block path,
	// whose blocks are 64-byte aligned.
	large, err := g.Allocate(sba.MaxSegmentSize + 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, int(large.Segment().Base)%64)

	for _, b := range []block.Block{small, large} {
		ok, err := g.Free(b)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, g.SanityCheck())
	assert.EqualValues(t, 0, g.LiveBlocks())
}

func TestBoundarySizeStaysSmall(t *testing.T) {
	t.Parallel()

	g := newGPA(t)
	b, err := g.Allocate(sba.MaxSegmentSize)
	require.NoError(t, err)
	assert.EqualValues(t, 0, int(b.Segment().Base)%16)

	ok, err := g.Free(b)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManySmallAllocationsSpillToFreshArenas(t *testing.T) {
	t.Parallel()

	g := newGPA(t)

	// Enough 4 KiB blocks to exhaust several 1 MiB arenas from one
	// goroutine's sequence.
	var blocks []block.Block
	for i := 0; i < 2000; i++ {
		b, err := g.Allocate(4096)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	require.NoError(t, g.SanityCheck())

	for _, b := range blocks {
		ok, err := g.Free(b)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, g.SanityCheck())
	assert.EqualValues(t, 0, g.LiveBlocks())
}

func TestResizePreservesPrefixAndZeroExtends(t *testing.T) {
	t.Parallel()

	g := newGPA(t)
	b, err := g.Allocate(64)
	require.NoError(t, err)
	copy(b.Bytes(), "hello, resize")

	grown, err := g.Resize(b, 256, true)
	require.NoError(t, err)
	assert.Equal(t, "hello, resize", string(grown.Bytes()[:13]))
	for _, v := range grown.Bytes()[64:] {
		require.EqualValues(t, 0, v)
	}

	shrunk, err := g.Resize(grown, 5, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(shrunk.Bytes()))

	ok, err := g.Free(shrunk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, g.LiveBlocks())
}

func TestAddRefDefersActualFree(t *testing.T) {
	t.Parallel()

	g := newGPA(t)
	b, err := g.Allocate(128)
	require.NoError(t, err)

	const k = 5
	for i := 0; i < k; i++ {
		g.AddRef(b)
	}
	for i := 0; i < k; i++ {
		ok, err := g.Free(b)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, 1, g.LiveBlocks(), "block must stay live while references remain")
	}
	ok, err := g.Free(b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, g.LiveBlocks())
}

func TestDisposeDisablesAllocate(t *testing.T) {
	t.Parallel()

	g := gpa.New()
	require.NoError(t, g.Dispose())

	_, err := g.Allocate(16)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.Disposed, kind)
}

// TestConcurrentAllocFree hammers one shared GPA from several goroutines
// with mixed Allocate/Free (including
// frees of blocks another goroutine allocated), then a full drain and an
// invariant sweep.
func TestConcurrentAllocFree(t *testing.T) {
	if testing.Short() {
		t.Skip("concurrency stress")
	}
	t.Parallel()

	g := newGPA(t)

	const (
		workers = 4
		ops     = 50000
	)

	var (
		mu       sync.Mutex
		floating []block.Block
	)

	eg := new(errgroup.Group)
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(int64(w + 1)))
		eg.Go(func() error {
			var local []block.Block
			for i := 0; i < ops; i++ {
				switch rng.Intn(4) {
				case 0, 1: // allocate, keep locally
					b, err := g.Allocate(int64(16 + rng.Intn(2048)))
					if err != nil {
						return err
					}
					local = append(local, b)
				case 2: // free one of our own
					if n := len(local); n > 0 {
						b := local[n-1]
						local = local[:n-1]
						if _, err := g.Free(b); err != nil {
							return err
						}
					}
				case 3: // hand off or adopt across goroutines
					mu.Lock()
					if n := len(floating); n > 0 && rng.Intn(2) == 0 {
						b := floating[n-1]
						floating = floating[:n-1]
						mu.Unlock()
						if _, err := g.Free(b); err != nil {
							return err
						}
					} else {
						if n := len(local); n > 0 {
							floating = append(floating, local[len(local)-1])
							local = local[:len(local)-1]
						}
						mu.Unlock()
					}
				}
			}
			mu.Lock()
			floating = append(floating, local...)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for _, b := range floating {
		ok, err := g.Free(b)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, g.SanityCheck())
	assert.EqualValues(t, 0, g.LiveBlocks(), "no block may leak")
}
