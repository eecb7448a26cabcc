// Package block implements the user-visible Block handle and the
// GenBlockHeader every allocator writes just before it: the
// 8-byte {ref_count, flags_and_index} pair that lets Free, AddRef and
// Dispose work from the header alone, no matter which allocator produced
// the block.
//
// The header is two 4-byte fields at their natural size; nothing downstream
// depends on anything but the field semantics and the header sitting at
// user_address-8. See DESIGN.md for the layout notes.
package block

import (
	"github.com/blockpool/blockpool/internal/debug"
	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/registry"
	"github.com/blockpool/blockpool/internal/sync2"
)

const (
	blockIndexBits = 30
	blockIndexMask = uint32(1)<<blockIndexBits - 1
	isFromMMFBit   = uint32(1) << 30
	isFreeBit      = uint32(1) << 31
)

// HeaderSize is the number of bytes a GenBlockHeader occupies immediately
// before a block's user-visible bytes.
const HeaderSize = 8

// GenBlockHeader is the fixed metadata every allocator writes at
// user_address - HeaderSize.
type GenBlockHeader struct {
	RefCount      sync2.RefCount
	FlagsAndIndex uint32
}

// PackFlags assembles flags_and_index from its three logical fields.
func PackFlags(blockIndex int32, isFromMMF, isFree bool) uint32 {
	v := uint32(blockIndex) & blockIndexMask
	if isFromMMF {
		v |= isFromMMFBit
	}
	if isFree {
		v |= isFreeBit
	}
	return v
}

// BlockIndex extracts the 30-bit block_index field.
func (h *GenBlockHeader) BlockIndex() int32 { return int32(h.FlagsAndIndex & blockIndexMask) }

// IsFromMMF reports whether this block was produced by an MMF-backed
// allocator, in which case block_index is not meaningful for registry
// lookup: freeing it is instead driven by the segment's own MMF id, since
// a registry-assigned index from one process's local allocator table has
// no meaning in another process.
func (h *GenBlockHeader) IsFromMMF() bool { return h.FlagsAndIndex&isFromMMFBit != 0 }

// IsFree reports the occupied/free flag, set by an allocator's Free path
// once the refcount reaches zero.
func (h *GenBlockHeader) IsFree() bool { return h.FlagsAndIndex&isFreeBit != 0 }

// SetFree stamps the is_free flag (used by SBA/LBA when a segment is
// coalesced back into a free list).
func (h *GenBlockHeader) SetFree(free bool) {
	if free {
		h.FlagsAndIndex |= isFreeBit
	} else {
		h.FlagsAndIndex &^= isFreeBit
	}
}

func headerAt(userAddr memaddr.Addr[byte]) *GenBlockHeader {
	return memaddr.Cast[GenBlockHeader](userAddr.Add(-HeaderSize).AssertValid())
}

// WriteHeader writes a fresh GenBlockHeader with RefCount=1 just before
// userAddr.
func WriteHeader(userAddr memaddr.Addr[byte], blockIndex int32, isFromMMF bool) {
	h := headerAt(userAddr)
	h.RefCount.Init(1)
	h.FlagsAndIndex = PackFlags(blockIndex, isFromMMF, false)
	debug.RecordAlloc(uintptr(userAddr))
}

// Block is the user-visible handle: a segment of bytes plus the header
// that precedes it.
type Block struct {
	seg memaddr.Segment
}

// Sentinel is the unique zero-length block returned for Allocate(0); it is
// never actually backed by allocator storage and Free on it is a no-op.
var Sentinel = Block{}

// FromSegment wraps a user-visible segment (Base already past the header)
// as a Block.
func FromSegment(seg memaddr.Segment) Block { return Block{seg: seg} }

// IsSentinel reports whether b is the global sentinel.
func (b Block) IsSentinel() bool { return b.seg.Base.IsNil() }

// Segment returns the block's user-visible segment.
func (b Block) Segment() memaddr.Segment { return b.seg }

// Bytes returns the block's user-visible bytes.
func (b Block) Bytes() []byte {
	if b.IsSentinel() {
		return nil
	}
	return b.seg.Bytes()
}

// Length returns the number of user-visible bytes.
func (b Block) Length() int32 { return b.seg.Length }

func (b Block) header() *GenBlockHeader { return headerAt(b.seg.Base) }

// AddRef atomically bumps the block's refcount and returns the new value.
// Calling it on the sentinel is a no-op that returns 0.
func (b Block) AddRef() int32 {
	if b.IsSentinel() {
		return 0
	}
	h := b.header()
	return h.RefCount.Add(1)
}

// MMFDispatcher frees a block that originated from an MMF-backed
// allocator. internal/mmf registers one via SetMMFDispatcher at package
// init, breaking what would otherwise be an import cycle (mmf needs Block,
// block would need mmf).
type MMFDispatcher interface {
	FreeMMFBlock(seg memaddr.Segment) bool
}

var mmfDispatcher MMFDispatcher

// SetMMFDispatcher installs the process-wide MMF free dispatcher.
func SetMMFDispatcher(d MMFDispatcher) { mmfDispatcher = d }

// Free disposes of one reference to b: if the refcount reaches zero, the
// block is dispatched to its owning allocator (resolved via block_index
// for GPA-family blocks, or via the segment's MMF id) and its bytes may be
// reused. Free on the sentinel is a no-op that returns true; Free on an
// already-freed block changes nothing and returns false.
func Free(b Block) (bool, error) {
	if b.IsSentinel() {
		return true, nil
	}

	h := b.header()
	newCount := h.RefCount.Add(-1)
	if newCount > 0 {
		return true, nil
	}
	if newCount < 0 {
		// Already freed by a prior call; undo the decrement so a storm of
		// extra Frees doesn't drift the counter further negative, and
		// report it the way an unknown/already-freed block is reported.
		h.RefCount.Add(1)
		return false, nil
	}

	h.SetFree(true)
	debug.RecordFree(uintptr(b.seg.Base))
	if h.IsFromMMF() {
		if mmfDispatcher == nil {
			return false, errs.New(errs.Corrupted, "block.Free", "no MMF dispatcher registered")
		}
		return mmfDispatcher.FreeMMFBlock(b.seg), nil
	}

	return registry.Global.Free(h.BlockIndex(), b.seg.Base)
}
