// Package sba is the small-block allocator: 1 MiB arenas,
// 16-byte aligned blocks, segments up to just under 32 KiB. It is a
// one-line Config instantiation of internal/segalloc; the algorithm lives
// there.
package sba

import (
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/segalloc"
)

// ArenaSize is the fixed size of every SBA arena.
const ArenaSize = 1 << 20

// Align is the alignment of a small-block's user-visible start.
const Align = 16

// MaxSegmentSize is the largest payload a single small segment may hold
// before it must be routed to the large-block path instead.
const MaxSegmentSize = 0x8000 - 12

// Config is the segalloc.Config every SBA arena is built from.
func Config() segalloc.Config { return segalloc.NewConfig(Align, MaxSegmentSize) }

// NewArena constructs one fresh 1 MiB SBA arena.
func NewArena(procs lock.ProcessProvider, waiterCapacity int) *segalloc.Arena {
	return segalloc.New(Config(), ArenaSize, procs, waiterCapacity)
}
