// Package segalloc is the shared engine behind the small-block and
// large-block allocators: a single arena, carved into
// segments by two intrusive doubly linked lists (occupied/free), with
// first-fit allocation, address-order coalescing on free, and opportunistic
// defragmentation. internal/sba and internal/lba are thin Config instances
// over this engine; the algorithm is identical, only the arena size,
// alignment and max segment size differ between them.
//
// A note on header sizes: one segMeta struct {size, prevID, nextID,
// addrPrevID} is shared by SBA and LBA; the region between it and the
// trailing GenBlockHeader is padded out to the allocator's own alignment
// (16 bytes for SBA, 64 for LBA), and Config.HeaderSize records the
// result. Nothing downstream depends on the literal byte count, only on
// the field semantics and on GenBlockHeader living at user_address-8,
// which internal/block already hard-codes. See DESIGN.md.
package segalloc

import (
	"os"

	"github.com/blockpool/blockpool/internal/arena"
	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/debug"
	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/memaddr"
	"github.com/blockpool/blockpool/internal/memaddr/layout"
	"github.com/blockpool/blockpool/internal/registry"
)

// segMeta is the segment metadata that precedes every segment's
// GenBlockHeader. size is the number of payload bytes available after the
// header (whether the segment is occupied or free); prevID/nextID link the
// segment into whichever status list (occupied or free) currently owns it;
// addrPrevID links to the physically preceding segment in the arena
// regardless of status, giving O(1) backward-neighbor lookup for
// coalescing (the forward neighbor is always reachable arithmetically, at
// this segment's address plus its header and size).
type segMeta struct {
	size       uint64
	prevID     uint32
	nextID     uint32
	addrPrevID uint32
}

var metaSize = layout.Size[segMeta]()

// Config fixes the parameters that distinguish SBA from LBA: everything
// else lives in Arena.
type Config struct {
	// Align is both the alignment of a block's user-visible start and the
	// unit IDs are expressed in.
	Align int
	// MaxSegmentSize is the largest payload a single segment may hold
	// (just under 32 KiB for SBA, just under 2 GiB for LBA).
	MaxSegmentSize int64
	// HeaderSize is the full prefix (segMeta, padding, and the trailing
	// 8-byte GenBlockHeader) preceding every segment's user bytes. It is
	// always a multiple of Align.
	HeaderSize int
}

// NewConfig derives a Config from an alignment and max segment size,
// computing HeaderSize as the smallest multiple of align that fits segMeta
// plus a GenBlockHeader.
func NewConfig(align int, maxSegmentSize int64) Config {
	raw := metaSize + block.HeaderSize
	header := ((raw + align - 1) / align) * align
	return Config{Align: align, MaxSegmentSize: maxSegmentSize, HeaderSize: header}
}

// Arena is one pinned, fixed-address region subdivided into segments. The
// zero value is not usable; construct one with New.
type Arena struct {
	_ memaddr.NoCopy

	cfg  Config
	buf  *arena.Buffer
	lock *lock.ExclusiveAccessControl

	blockIndex int32 // this arena's registry slot

	occHead, freeHead   uint32
	occCount, freeCount int32

	// Next chains arenas into a BlockAllocatorSequence; owned
	// and mutated only by the sequence under its own lock.
	Next *Arena
}

// New constructs an arena of size bytes (already rounded by the caller to
// whatever policy SBA/LBA uses), registers it in the block referential,
// and seeds it with one free segment spanning the whole usable body.
func New(cfg Config, size int, procs lock.ProcessProvider, waiterCapacity int) *Arena {
	a := &Arena{
		cfg:  cfg,
		buf:  arena.New(size, cfg.Align),
		lock: lock.New(int32(os.Getpid()), waiterCapacity, procs),
	}
	a.blockIndex = registry.Global.Register(a)

	bodyLen := a.buf.Len()
	a.freeHead = 1
	a.freeCount = 1
	m := a.metaAt(a.headerAddr(1))
	*m = segMeta{size: uint64(bodyLen - cfg.HeaderSize)}
	a.genHeaderAt(a.headerAddr(1)).SetFree(true)

	debug.Log([]any{"arena@%v", a.buf.Base()}, "new", "size=%d align=%d index=%d", size, cfg.Align, a.blockIndex)
	return a
}

// BlockIndex returns the registry slot this arena was assigned.
func (a *Arena) BlockIndex() int32 { return a.blockIndex }

// Dispose releases this arena's registry slot. The caller is responsible
// for having quiesced every live block first.
func (a *Arena) Dispose() { registry.Global.Unregister(a.blockIndex) }

// idOf converts a header address into an arena-relative, 1-based,
// Align-unit id; 0 is reserved to mean "no link".
func (a *Arena) idOf(headerAddr memaddr.Addr[byte]) uint32 {
	return uint32(headerAddr.Sub(a.buf.Base())/a.cfg.Align) + 1
}

func (a *Arena) headerAddr(id uint32) memaddr.Addr[byte] {
	return a.buf.Base().Add(int(id-1) * a.cfg.Align)
}

func (a *Arena) metaAt(headerAddr memaddr.Addr[byte]) *segMeta {
	return memaddr.Cast[segMeta](headerAddr.AssertValid())
}

func (a *Arena) userAddr(headerAddr memaddr.Addr[byte]) memaddr.Addr[byte] {
	return headerAddr.Add(a.cfg.HeaderSize)
}

func (a *Arena) bodyEnd() memaddr.Addr[byte] {
	return a.buf.Base().Add(a.buf.Len())
}

func (a *Arena) genHeaderAt(headerAddr memaddr.Addr[byte]) *block.GenBlockHeader {
	return memaddr.Cast[block.GenBlockHeader](a.userAddr(headerAddr).Add(-block.HeaderSize).AssertValid())
}

// span returns the total bytes a size-byte request occupies in the arena:
// header plus payload, rounded up so every segment span is a multiple of
// Align (which also keeps every header address on an Align boundary).
func (a *Arena) span(payload int64) int64 {
	total := int64(a.cfg.HeaderSize) + payload
	rem := total % int64(a.cfg.Align)
	if rem != 0 {
		total += int64(a.cfg.Align) - rem
	}
	return total
}

// Allocate carves a segment of at least size payload bytes out of this
// arena's free list (first-fit), returning the
// user-visible address. ok is false if no free segment fits; the caller
// (SBA/LBA via the sequence) is expected to append a fresh arena and retry.
func (a *Arena) Allocate(size int64) (userAddr memaddr.Addr[byte], ok bool) {
	if size < 0 || size > a.cfg.MaxSegmentSize {
		return 0, false
	}
	wantSpan := a.span(size)
	wantPayload := wantSpan - int64(a.cfg.HeaderSize)

	lockID := lock.CurrentID()
	if _, err := a.lock.TryEnter(lockID, 0); err != nil {
		return 0, false
	}
	defer a.lock.Exit(lockID)

	// Opportunistic defrag: runs inline with an Allocate once
	// the arena has fragmented past the heuristic threshold. Re-entering
	// the arena lock is fine; it is held by this goroutine already.
	if a.ShouldDefrag() {
		before := a.freeCount
		a.DefragFreeSegments()
		debug.Log([]any{"arena@%v", a.buf.Base()}, "defrag", "free segments %d -> %d", before, a.freeCount)
	}

	id := a.freeHead
	for id != 0 {
		headerAddr := a.headerAddr(id)
		m := a.metaAt(headerAddr)
		if int64(m.size) >= wantPayload {
			return a.takeFree(id, headerAddr, m, wantPayload), true
		}
		id = m.nextID
	}
	return 0, false
}

// takeFree removes the free segment at id from the free list, carving it
// down to wantPayload bytes.
func (a *Arena) takeFree(id uint32, headerAddr memaddr.Addr[byte], m *segMeta, wantPayload int64) memaddr.Addr[byte] {
	leftover := int64(m.size) - wantPayload
	// Smallest remainder worth keeping as its own free segment: room for a
	// header plus at least one alignment unit of payload.
	minSplit := int64(a.cfg.HeaderSize) + int64(a.cfg.Align)

	a.unlink(id, &a.freeHead)
	a.freeCount--

	var occHeaderAddr memaddr.Addr[byte]
	var occID uint32

	if leftover < minSplit {
		// Whole-take: the free segment becomes occupied unchanged.
		occHeaderAddr, occID = headerAddr, id
	} else {
		// Tail-take: shrink the free segment (keeps its address and
		// free-list-neighbor relationships intact) and synthesize a new
		// occupied segment at its high-address tail.
		newFreeSize := int64(m.size) - (int64(a.cfg.HeaderSize) + wantPayload)
		m.size = uint64(newFreeSize)
		a.insertFreeSorted(id, headerAddr)

		occHeaderAddr = headerAddr.Add(a.cfg.HeaderSize + int(newFreeSize))
		occID = a.idOf(occHeaderAddr)
		om := a.metaAt(occHeaderAddr)
		*om = segMeta{size: uint64(wantPayload), addrPrevID: id}

		if fwd := occHeaderAddr.Add(a.cfg.HeaderSize + int(wantPayload)); fwd < a.bodyEnd() {
			a.metaAt(fwd).addrPrevID = occID
		}
	}

	a.pushFront(occID, &a.occHead)
	a.occCount++

	userAddr := a.userAddr(occHeaderAddr)
	block.WriteHeader(userAddr, a.blockIndex, false)
	return userAddr
}

// FreeBlock implements registry.Registrant: it frees the block at
// userAddr, coalescing with address-adjacent free neighbors and returning
// the merged segment to the free pool.
func (a *Arena) FreeBlock(userAddr memaddr.Addr[byte]) bool {
	headerAddr := userAddr.Add(-a.cfg.HeaderSize)
	id := a.idOf(headerAddr)

	lockID := lock.CurrentID()
	if _, err := a.lock.TryEnter(lockID, 0); err != nil {
		return false
	}
	defer a.lock.Exit(lockID)

	a.unlink(id, &a.occHead)
	a.occCount--

	m := a.metaAt(headerAddr)
	mergedSize := int64(m.size)
	mergedID, mergedAddr := id, headerAddr

	// Forward-neighbor coalesce.
	if fwdAddr := headerAddr.Add(a.cfg.HeaderSize + int(mergedSize)); fwdAddr < a.bodyEnd() {
		fwdID := a.idOf(fwdAddr)
		if a.genHeaderAt(fwdAddr).IsFree() {
			fm := a.metaAt(fwdAddr)
			a.unlink(fwdID, &a.freeHead)
			a.freeCount--
			mergedSize += int64(a.cfg.HeaderSize) + int64(fm.size)
			if after := fwdAddr.Add(a.cfg.HeaderSize + int(fm.size)); after < a.bodyEnd() {
				a.metaAt(after).addrPrevID = mergedID
			}
		}
	}

	// Backward-neighbor coalesce: grow the back neighbor in place so it
	// keeps its existing free-list position; the just-freed segment (plus
	// whatever it absorbed forward) disappears into it.
	if m.addrPrevID != 0 {
		backAddr := a.headerAddr(m.addrPrevID)
		if a.genHeaderAt(backAddr).IsFree() {
			bm := a.metaAt(backAddr)
			bm.size += uint64(a.cfg.HeaderSize) + uint64(mergedSize)
			if after := backAddr.Add(a.cfg.HeaderSize + int(bm.size)); after < a.bodyEnd() {
				a.metaAt(after).addrPrevID = m.addrPrevID
			}
			return true
		}
	}

	// No backward merge: the (possibly forward-merged) segment itself
	// becomes the new free entry.
	m.size = uint64(mergedSize)
	a.genHeaderAt(mergedAddr).SetFree(true)
	a.insertFreeSorted(mergedID, mergedAddr)
	return true
}

// IsEmpty reports whether every segment in the arena is free.
func (a *Arena) IsEmpty() bool {
	lockID := lock.CurrentID()
	if _, err := a.lock.TryEnter(lockID, 0); err != nil {
		return false
	}
	defer a.lock.Exit(lockID)
	return a.occCount == 0
}

// FreeSegmentCount returns the number of segments currently on the free
// list, used by the defragmentation heuristic.
func (a *Arena) FreeSegmentCount() int32 { return a.freeCount }

// OccupiedSegmentCount returns the number of segments currently occupied.
func (a *Arena) OccupiedSegmentCount() int32 { return a.occCount }

// DefragFreeSegments fuses every run of address-adjacent free segments
// into one, matching what steady-state coalescing already guarantees after
// any single Free. It exists for the opportunistic pass triggered when
// an arena has fragmented badly, and as an explicit maintenance entry
// point for callers.
func (a *Arena) DefragFreeSegments() {
	lockID := lock.CurrentID()
	if _, err := a.lock.TryEnter(lockID, 0); err != nil {
		return
	}
	defer a.lock.Exit(lockID)

	addr := a.buf.Base()
	for addr < a.bodyEnd() {
		if !a.genHeaderAt(addr).IsFree() {
			m := a.metaAt(addr)
			addr = addr.Add(a.cfg.HeaderSize + int(m.size))
			continue
		}
		id := a.idOf(addr)
		m := a.metaAt(addr)
		for {
			next := addr.Add(a.cfg.HeaderSize + int(m.size))
			if next >= a.bodyEnd() || !a.genHeaderAt(next).IsFree() {
				break
			}
			nextID := a.idOf(next)
			nm := a.metaAt(next)
			a.unlink(nextID, &a.freeHead)
			a.freeCount--
			m.size += uint64(a.cfg.HeaderSize) + nm.size
		}
		if after := addr.Add(a.cfg.HeaderSize + int(m.size)); after < a.bodyEnd() {
			a.metaAt(after).addrPrevID = id
		}
		addr = addr.Add(a.cfg.HeaderSize + int(m.size))
	}
}

// ShouldDefrag reports whether the arena has fragmented badly enough to be
// worth an inline defrag: more than 100 free segments, and an
// occupied/total ratio under 0.15.
func (a *Arena) ShouldDefrag() bool {
	if a.freeCount <= 100 {
		return false
	}
	total := a.occCount + a.freeCount
	if total == 0 {
		return false
	}
	return float64(a.occCount)/float64(total) < 0.15
}

// SanityCheck validates this arena's structural invariants: the occupied
// and free lists partition the arena body exactly, and no two free
// segments are address-adjacent.
func (a *Arena) SanityCheck() error {
	lockID := lock.CurrentID()
	if _, err := a.lock.TryEnter(lockID, 0); err != nil {
		return errs.New(errs.ConcurrencyExceeded, "segalloc.SanityCheck", "could not acquire arena lock")
	}
	defer a.lock.Exit(lockID)

	addr := a.buf.Base()
	var occ, free int32
	prevFree := false
	for addr < a.bodyEnd() {
		m := a.metaAt(addr)
		isFree := a.genHeaderAt(addr).IsFree()
		if isFree {
			free++
			if prevFree {
				return errs.New(errs.Corrupted, "segalloc.SanityCheck", "two address-adjacent free segments")
			}
		} else {
			occ++
		}
		prevFree = isFree
		addr = addr.Add(a.cfg.HeaderSize + int(m.size))
	}
	if addr != a.bodyEnd() {
		return errs.New(errs.Corrupted, "segalloc.SanityCheck", "segments do not exactly partition the arena")
	}
	if occ != a.occCount || free != a.freeCount {
		return errs.Newf(errs.Corrupted, "segalloc.SanityCheck", "list counts (occ=%d free=%d) disagree with walk (occ=%d free=%d)", a.occCount, a.freeCount, occ, free)
	}
	return nil
}

func (a *Arena) unlink(id uint32, head *uint32) {
	m := a.metaAt(a.headerAddr(id))
	if *head == id {
		*head = m.nextID
	}
	if m.prevID != 0 {
		a.metaAt(a.headerAddr(m.prevID)).nextID = m.nextID
	}
	if m.nextID != 0 {
		a.metaAt(a.headerAddr(m.nextID)).prevID = m.prevID
	}
	m.prevID, m.nextID = 0, 0
}

func (a *Arena) pushFront(id uint32, head *uint32) {
	m := a.metaAt(a.headerAddr(id))
	m.prevID, m.nextID = 0, *head
	if *head != 0 {
		a.metaAt(a.headerAddr(*head)).prevID = id
	}
	*head = id
}

// insertFreeSorted splices id into the free list in address order.
func (a *Arena) insertFreeSorted(id uint32, headerAddr memaddr.Addr[byte]) {
	a.freeCount++

	var prevID uint32
	cur := a.freeHead
	for cur != 0 {
		curAddr := a.headerAddr(cur)
		if curAddr > headerAddr {
			break
		}
		prevID = cur
		cur = a.metaAt(curAddr).nextID
	}

	m := a.metaAt(headerAddr)
	m.prevID, m.nextID = prevID, cur
	if prevID != 0 {
		a.metaAt(a.headerAddr(prevID)).nextID = id
	} else {
		a.freeHead = id
	}
	if cur != 0 {
		a.metaAt(a.headerAddr(cur)).prevID = id
	}
}
