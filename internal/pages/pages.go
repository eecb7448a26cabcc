// Package pages implements the page allocator: a fixed-size
// page pool over a single pinned buffer, with occupancy tracked by a
// Concurrent Bitmap and a page<->block-id packing used by containers that
// want a stable 32-bit handle instead of a full Segment.
package pages

import (
	"github.com/blockpool/blockpool/internal/arena"
	"github.com/blockpool/blockpool/internal/bitmap"
	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/memaddr"
)

// MaxRun is the largest contiguous page run a single call can allocate,
// inherited from the CBM's single-L0-word restriction.
const MaxRun = 64

// Allocator hands out 1..=64 contiguous fixed-size pages backed by one
// pinned buffer, maintaining a bitmap over page occupancy.
type Allocator struct {
	_ memaddr.NoCopy

	pageSize int
	buf      *arena.Buffer
	occ      *bitmap.Bitmap
}

// New constructs a page allocator of pageCount pages, each pageSize bytes.
func New(pageSize, pageCount, waiterCapacity int, procs lock.ProcessProvider) *Allocator {
	if pageSize <= 0 || pageCount <= 0 {
		panic("pages: pageSize and pageCount must be positive")
	}
	return &Allocator{
		pageSize: pageSize,
		buf:      arena.New(pageSize*pageCount, 16),
		occ:      bitmap.New(pageCount, waiterCapacity, procs),
	}
}

// PageSize returns the fixed size of one page.
func (a *Allocator) PageSize() int { return a.pageSize }

// PageCount returns the total number of pages in the pool.
func (a *Allocator) PageCount() int { return a.occ.Capacity() }

// AllocatePages reserves n (1..=64) contiguous pages, returning the default
// (invalid) Segment on failure; the error return carries the reason for
// callers that want it (e.g. to distinguish OutOfMemory from a bad n).
func (a *Allocator) AllocatePages(n int) (memaddr.Segment, error) {
	if n < 1 || n > MaxRun {
		return memaddr.Empty, errs.Newf(errs.IndexOutOfRange, "pages.AllocatePages", "n=%d out of range 1..%d", n, MaxRun)
	}

	idx := a.occ.AllocateBits(n)
	if idx < 0 {
		return memaddr.Empty, errs.New(errs.OutOfMemory, "pages.AllocatePages", "no run of pages available")
	}

	base := a.buf.Base().Add(int(idx) * a.pageSize)
	return memaddr.Segment{Base: base, Length: int32(n * a.pageSize)}, nil
}

// FreePages releases a segment previously returned by AllocatePages. A
// double-free is not detected: the bitmap clears already-clear bits without
// complaint, and FreePages still returns true.
func (a *Allocator) FreePages(seg memaddr.Segment) bool {
	pageIndex, pageCount, ok := a.pageRange(seg)
	if !ok {
		return false
	}
	return a.occ.FreeBits(int32(pageIndex), pageCount) == nil
}

// ToBlockID packs a segment's page range into a 32-bit id:
// {page_index: u16, page_count: u16}.
func (a *Allocator) ToBlockID(seg memaddr.Segment) int32 {
	pageIndex, pageCount, ok := a.pageRange(seg)
	if !ok {
		return -1
	}
	return packBlockID(uint16(pageIndex), uint16(pageCount))
}

// FromBlockID inverts ToBlockID, reconstructing the Segment it described.
func (a *Allocator) FromBlockID(id int32) memaddr.Segment {
	pageIndex, pageCount := unpackBlockID(id)
	base := a.buf.Base().Add(int(pageIndex) * a.pageSize)
	return memaddr.Segment{Base: base, Length: int32(int(pageCount) * a.pageSize)}
}

func packBlockID(pageIndex, pageCount uint16) int32 {
	return int32(uint32(pageIndex) | uint32(pageCount)<<16)
}

func unpackBlockID(id int32) (pageIndex, pageCount uint16) {
	u := uint32(id)
	return uint16(u), uint16(u >> 16)
}

func (a *Allocator) pageRange(seg memaddr.Segment) (pageIndex int, pageCount int, ok bool) {
	if a.pageSize == 0 || seg.Length <= 0 {
		return 0, 0, false
	}
	off := seg.Base.Sub(a.buf.Base())
	if off < 0 || off%a.pageSize != 0 || int(seg.Length)%a.pageSize != 0 {
		return 0, 0, false
	}
	return off / a.pageSize, int(seg.Length) / a.pageSize, true
}
