// Package lba is the large-block allocator: arenas sized
// max(64 MiB, next power of two of the request), 64-byte aligned blocks,
// segments up to just under 2 GiB. Like internal/sba, it is a Config
// instantiation of internal/segalloc plus the arena-sizing policy that
// differs per request.
package lba

import (
	"github.com/blockpool/blockpool/internal/arena"
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/segalloc"
)

// MinArenaSize is the floor every LBA arena is sized to, regardless of how
// small the triggering request was.
const MinArenaSize = 64 << 20

// minArenaLog is log2(MinArenaSize), the floor passed to arena.SuggestSize.
const minArenaLog = 26 // 1<<26 == 64 MiB

// Align is the alignment of a large-block's user-visible start.
const Align = 64

// MaxSegmentSize is the largest payload a single segment may hold.
const MaxSegmentSize = 0x7FFF_FFFF

// Config is the segalloc.Config every LBA arena is built from.
func Config() segalloc.Config { return segalloc.NewConfig(Align, MaxSegmentSize) }

// ArenaSizeFor returns the arena size a fresh LBA arena needs to satisfy a
// request of the given payload size: the next power of two of
// (request+header), floored at MinArenaSize.
func ArenaSizeFor(requestPayload int64) int {
	cfg := Config()
	return arena.SuggestSize(int(requestPayload)+cfg.HeaderSize, minArenaLog)
}

// NewArena constructs an LBA arena sized to satisfy requestPayload.
func NewArena(requestPayload int64, procs lock.ProcessProvider, waiterCapacity int) *segalloc.Arena {
	return segalloc.New(Config(), ArenaSizeFor(requestPayload), procs, waiterCapacity)
}
