// Package gpa implements the general allocator: it dispatches
// Allocate between the small-block and large-block engines (internal/sba,
// internal/lba) based on request size, gives every goroutine a stable,
// round-robin-assigned arena sequence to bound contention, and appends
// fresh arenas on demand when every existing one in a chain is full.
//
// Thread binding is implemented with github.com/timandy/routine's
// goroutine-local id rather than an OS thread id (the same dependency
// internal/debug already pulls in for log tagging), since Go schedules
// goroutines onto OS threads many-to-many and the binding invariant, a
// caller's sequence being stable after first use, is about the logical
// caller, not the OS thread it happens to run on.
package gpa

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/debug"
	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/lba"
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/memaddr/layout"
	"github.com/blockpool/blockpool/internal/sba"
	"github.com/blockpool/blockpool/internal/segalloc"
	"github.com/blockpool/blockpool/internal/xsync"
)

// sequence is a BlockAllocatorSequence: one singly linked list
// of SBA arenas and one of LBA arenas, both appended to under seqMu when
// every existing arena in the chain fails an Allocate.
type sequence struct {
	seqMu   sync.Mutex
	sbaHead *segalloc.Arena
	lbaHead *segalloc.Arena
}

// GPA is the general allocator: multi-arena, size-class-aware, producing
// 16-byte aligned blocks from the small-block path and 64-byte aligned
// blocks from the large-block path. The zero value is
// not usable; construct one with New.
type GPA struct {
	_ memaddr.NoCopy

	procs          lock.ProcessProvider
	waiterCapacity int

	// smallThreshold splits the small- and large-block paths. It is pinned
	// to sba.MaxSegmentSize rather than a round 32 KiB: a 32768-byte
	// request routed "small" could never be satisfied by an allocator
	// whose max segment payload is 32756. See DESIGN.md.
	smallThreshold int64

	sequences []*sequence
	nextSeq   atomic.Int64
	byGoid    xsync.Map[int64, *sequence]

	disposed atomic.Bool
}

// Option configures a GPA at construction.
type Option func(*GPA)

// WithProcessProvider installs the liveness provider every arena's lock
// uses for cross-process dead-holder recovery.
func WithProcessProvider(p lock.ProcessProvider) Option {
	return func(g *GPA) { g.procs = p }
}

// WithWaiterCapacity overrides the default waiter-ring capacity passed to
// every arena's ExclusiveAccessControl.
func WithWaiterCapacity(n int) Option {
	return func(g *GPA) {
		if n > 0 {
			g.waiterCapacity = n
		}
	}
}

// New constructs a GPA with cores*4 arena sequences.
func New(opts ...Option) *GPA {
	g := &GPA{waiterCapacity: 16, smallThreshold: sba.MaxSegmentSize}
	for _, opt := range opts {
		opt(g)
	}

	n := runtime.NumCPU() * 4
	if n < 1 {
		n = 1
	}
	g.sequences = make([]*sequence, n)
	for i := range g.sequences {
		g.sequences[i] = &sequence{}
	}
	return g
}

// sequenceFor returns the calling goroutine's bound sequence, assigning one
// round-robin on first use.
func (g *GPA) sequenceFor() *sequence {
	gid := lock.CurrentID()
	if s, ok := g.byGoid.Load(gid); ok {
		return s
	}
	idx := int(uint64(g.nextSeq.Add(1)-1) % uint64(len(g.sequences)))
	s, _ := g.byGoid.LoadOrStore(gid, func() *sequence { return g.sequences[idx] })
	return s
}

// Allocate reserves size bytes, dispatching to the small-block or
// large-block engine by size. size == 0 returns the shared
// sentinel block, never actually backed by storage.
func (g *GPA) Allocate(size int64) (block.Block, error) {
	if size == 0 {
		return block.Sentinel, nil
	}
	if size < 0 {
		return block.Block{}, errs.New(errs.IndexOutOfRange, "gpa.Allocate", "negative size")
	}
	if g.disposed.Load() {
		return block.Block{}, errs.New(errs.Disposed, "gpa.Allocate", "allocator disposed")
	}

	seq := g.sequenceFor()
	if size <= g.smallThreshold {
		return g.allocateFrom(seq, size, true)
	}
	return g.allocateFrom(seq, size, false)
}

// AllocateT is the typed counterpart of Allocate: count elements of T. It
// is a free function, not a method, because Go methods cannot carry their
// own type parameters.
func AllocateT[T any](g *GPA, count int) (block.Block, error) {
	return g.Allocate(int64(count) * int64(layout.Size[T]()))
}

func (g *GPA) allocateFrom(seq *sequence, size int64, small bool) (block.Block, error) {
	headPtr := &seq.lbaHead
	if small {
		headPtr = &seq.sbaHead
	}

	if b, ok := g.tryChain(*headPtr, size); ok {
		return b, nil
	}

	seq.seqMu.Lock()
	defer seq.seqMu.Unlock()

	// Double-check: another goroutine may have appended an arena (or
	// freed enough of an existing one) while we waited for seqMu.
	if b, ok := g.tryChain(*headPtr, size); ok {
		return b, nil
	}

	var fresh *segalloc.Arena
	if small {
		fresh = sba.NewArena(g.procs, g.waiterCapacity)
	} else {
		fresh = lba.NewArena(size, g.procs, g.waiterCapacity)
	}
	fresh.Next = *headPtr
	*headPtr = fresh
	debug.Log(nil, "grow", "appended arena (small=%v) for a %d-byte request", small, size)

	addr, ok := fresh.Allocate(size)
	if !ok {
		return block.Block{}, errs.New(errs.OutOfMemory, "gpa.Allocate", "request exceeds a single arena's capacity")
	}
	return block.FromSegment(memaddr.Segment{Base: addr, Length: int32(size)}), nil
}

func (g *GPA) tryChain(head *segalloc.Arena, size int64) (block.Block, bool) {
	for a := head; a != nil; a = a.Next {
		if addr, ok := a.Allocate(size); ok {
			return block.FromSegment(memaddr.Segment{Base: addr, Length: int32(size)}), true
		}
	}
	return block.Block{}, false
}

// Free releases one reference to b; dispatch back to the
// owning arena happens via the block referential, keyed on the
// block_index stamped into b's header at Allocate time.
func (g *GPA) Free(b block.Block) (bool, error) {
	return block.Free(b)
}

// AddRef bumps b's reference count.
func (g *GPA) AddRef(b block.Block) int32 {
	return b.AddRef()
}

// Resize reallocates b to newSize bytes, copying the smaller of the two
// lengths and disposing the old block. If zeroExtra
// is set and newSize is larger than b's current length, the newly exposed
// tail is zeroed.
func (g *GPA) Resize(b block.Block, newSize int64, zeroExtra bool) (block.Block, error) {
	if g.disposed.Load() {
		return block.Block{}, errs.New(errs.Disposed, "gpa.Resize", "allocator disposed")
	}

	newBlock, err := g.Allocate(newSize)
	if err != nil {
		return block.Block{}, err
	}

	oldBytes := b.Bytes()
	newBytes := newBlock.Bytes()
	n := copy(newBytes, oldBytes)
	if zeroExtra && n < len(newBytes) {
		clear(newBytes[n:])
	}

	if _, err := block.Free(b); err != nil {
		return block.Block{}, err
	}
	return newBlock, nil
}

// SanityCheck walks every arena across every sequence, validating the
// partition and free-list invariants on each.
func (g *GPA) SanityCheck() error {
	for _, seq := range g.sequences {
		seq.seqMu.Lock()
		for _, head := range []*segalloc.Arena{seq.sbaHead, seq.lbaHead} {
			for a := head; a != nil; a = a.Next {
				if err := a.SanityCheck(); err != nil {
					seq.seqMu.Unlock()
					return err
				}
			}
		}
		seq.seqMu.Unlock()
	}
	return nil
}

// LiveBlocks counts occupied segments across every arena, for leak checks
// after a drain.
func (g *GPA) LiveBlocks() int64 {
	var total int64
	for _, seq := range g.sequences {
		seq.seqMu.Lock()
		for _, head := range []*segalloc.Arena{seq.sbaHead, seq.lbaHead} {
			for a := head; a != nil; a = a.Next {
				total += int64(a.OccupiedSegmentCount())
			}
		}
		seq.seqMu.Unlock()
	}
	return total
}

// Dispose flushes every arena across every sequence and disables
// subsequent Allocate calls. Disposing while any live block
// from this GPA exists is undefined; this implementation does not attempt
// to detect it.
func (g *GPA) Dispose() error {
	if !g.disposed.CompareAndSwap(false, true) {
		return errs.New(errs.Disposed, "gpa.Dispose", "already disposed")
	}
	for _, seq := range g.sequences {
		seq.seqMu.Lock()
		for a := seq.sbaHead; a != nil; a = a.Next {
			a.Dispose()
		}
		for a := seq.lbaHead; a != nil; a = a.Next {
			a.Dispose()
		}
		seq.sbaHead, seq.lbaHead = nil, nil
		seq.seqMu.Unlock()
	}
	return nil
}
