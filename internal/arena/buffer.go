// Package arena provides the fixed-address backing buffers that every
// higher-level arena in blockpool (SBA, LBA, the page allocator) is carved
// out of.
//
// Go's current garbage collector never moves heap objects, so an ordinary
// []byte already has a stable address for its lifetime; what it doesn't give
// you is alignment stronger than a few words, and the data model
// requires a 16-byte aligned arena body (64-byte for LBA), with the leftover
// "leading padding" kept before the body and outside it. [New] does that
// rounding once, up front, instead of at every allocation out of the arena.
package arena

import (
	"math/bits"

	"github.com/blockpool/blockpool/internal/memaddr"
)

// Buffer is a pinned, fixed-size byte region with a guaranteed-aligned body.
// Its zero value is not usable; construct one with New.
type Buffer struct {
	_ memaddr.NoCopy

	mem   []byte // backing storage, size+align bytes
	base  memaddr.Addr[byte]
	align int
}

// New allocates a buffer of at least size bytes whose Base is aligned to
// align (which must be a power of two), preserving whatever slop is needed
// as leading padding.
func New(size, align int) *Buffer {
	if align <= 0 || align&(align-1) != 0 {
		panic("arena: align must be a power of two")
	}

	mem := make([]byte, size+align)
	base := memaddr.AddrOf(&mem[0])
	_, pad := base.Misalign(align)

	return &Buffer{
		mem:   mem,
		base:  base.Add(pad),
		align: align,
	}
}

// Base returns the aligned start address of the buffer's usable body.
func (b *Buffer) Base() memaddr.Addr[byte] { return b.base }

// Len returns the number of usable bytes from Base onward (i.e. excluding
// the leading padding consumed for alignment).
func (b *Buffer) Len() int {
	return len(b.mem) - b.base.Sub(memaddr.AddrOf(&b.mem[0]))
}

// Bytes returns the usable body as a slice, for bulk zeroing or copying.
func (b *Buffer) Bytes() []byte {
	off := b.base.Sub(memaddr.AddrOf(&b.mem[0]))
	return b.mem[off:]
}

// SuggestSize rounds bytes up to the next power of two, with a floor of
// 1<<minLog. Used by the large-block allocator to size a fresh
// arena as max(64 MiB, next_power_of_two(request+header)).
func SuggestSize(bytes, minLog int) int {
	log := bits.Len(uint(bytes) - 1)
	if log < minLog {
		log = minLog
	}
	return 1 << log
}
