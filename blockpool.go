// Package blockpool is a low-level memory-management library built around a
// thread-safe, reference-counted block allocator with fixed-address
// semantics: every allocation is a byte region whose address never changes
// for the block's lifetime, backed either by process-local pinned memory or
// by a shared memory-mapped file.
//
// The main entry points are:
//
//   - [New], the general allocator: multi-arena, size-class aware, handing
//     out 16-byte-aligned blocks from 16 bytes up to ~2 GiB, with
//     per-goroutine arena sequences to bound contention.
//   - [NewPageAllocator], a fixed-size page pool over a concurrent
//     hierarchical bitmap, for containers that want stable 32-bit handles.
//   - [OpenMMF], the same allocator contract over a memory-mapped file:
//     page-granular, persistent, and shareable across processes via a page
//     directory stored in the file itself.
//
// Blocks are explicitly reference counted. Allocate returns a block with
// one reference; [Block.AddRef] is the only way to share it, and [Free]
// releases one reference, deallocating when the last one is gone. The
// allocator that produced a block is recovered from a small header written
// just before the block's bytes, so Free works no matter which allocator
// or goroutine the block came from.
package blockpool

import (
	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/gpa"
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/mmf"
	"github.com/blockpool/blockpool/internal/pages"
	"github.com/blockpool/blockpool/internal/procliveness"
)

// Block is the user-visible handle to an allocation: a fixed-address byte
// region preceded by the header that identifies its owning allocator.
type Block = block.Block

// Segment is the immutable (base address, length) descriptor underlying
// every block and page run.
type Segment = memaddr.Segment

// Sentinel is the unique zero-length block returned for Allocate(0). It is
// never backed by storage and freeing it is a no-op.
var Sentinel = block.Sentinel

// Allocator is the general allocator.
type Allocator = gpa.GPA

// PageAllocator is a fixed-size page pool over one pinned buffer.
type PageAllocator = pages.Allocator

// MMF is a page-granular allocator over a shared memory-mapped file.
type MMF = mmf.Allocator

// MMFOptions configures OpenMMF.
type MMFOptions = mmf.Options

// New constructs a general allocator with the host OS's process table
// backing the locks' dead-holder recovery.
func New(opts ...gpa.Option) *Allocator {
	return gpa.New(append([]gpa.Option{
		gpa.WithProcessProvider(procliveness.New()),
	}, opts...)...)
}

// AllocateT allocates count elements of T, returning the block that holds
// them (Allocate(count * sizeof(T))).
func AllocateT[T any](g *Allocator, count int) (Block, error) {
	return gpa.AllocateT[T](g, count)
}

// Free releases one reference to b, deallocating through the owning
// allocator when the last reference is gone. Unknown or already-freed
// blocks report false.
func Free(b Block) (bool, error) { return block.Free(b) }

// NewPageAllocator constructs a page pool of pageCount pages of pageSize
// bytes each.
func NewPageAllocator(pageSize, pageCount int) *PageAllocator {
	return pages.New(pageSize, pageCount, defaultWaiterCapacity, procliveness.New())
}

// OpenMMF maps (creating and initializing if needed) the memory-mapped
// file at path. See [mmf.Options] for the creation geometry.
func OpenMMF(path string, opts MMFOptions) (*MMF, error) {
	if opts.Procs == nil {
		opts.Procs = procliveness.New()
	}
	return mmf.Open(path, opts)
}

// defaultWaiterCapacity bounds each lock's waiter ring when the caller has
// no opinion; it only needs to cover the goroutines that can plausibly
// contend one arena at once.
const defaultWaiterCapacity = 16

var _ lock.ProcessProvider = (*procliveness.Provider)(nil)
