// Package mmf implements the MMF-backed allocator: the same
// external contract as the general allocator, but page-granular and sitting
// on a memory-mapped file, so blocks survive the process and can be shared
// with any other process mapping the same file.
//
// The file itself is the single source of truth: page 0 carries the root
// header, a bit-per-page occupancy bitfield and a u32-per-page directory
// whose entries pack {run_length, ref_count}. Allocation and free are
// serialized by a structural lock whose word lives in the file's reserved
// region, so the ticket protocol extends across processes; refcount
// mutation is plain atomics on the directory entries and needs no lock at
// all.
package mmf

import (
	"encoding/binary"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/blockpool/blockpool/internal/bitmap"
	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/debug"
	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/lock"
	"github.com/blockpool/blockpool/internal/memaddr"
)

// MaxRun is the largest contiguous page run a single allocation can claim,
// inherited from the bitfield's single-word restriction.
const MaxRun = 64

// Options configures Open. PageSize and PageCount are required when the
// file does not exist yet (or exists but was never initialized); on an
// already-initialized file they are optional, and if nonzero must match
// what the creator used.
type Options struct {
	PageSize  int
	PageCount int

	// WaiterCapacity bounds the structural lock's waiter ring; defaults
	// to 16.
	WaiterCapacity int

	// Procs is the liveness provider for dead-holder recovery on the
	// structural lock. Nil disables recovery.
	Procs lock.ProcessProvider
}

// Allocator is one process's handle onto an MMF-backed page pool. Multiple
// processes may hold an Allocator over the same file; the mapping address
// differs per process, which is why segments carry an MMF id instead of
// trusting their base address across the boundary.
type Allocator struct {
	_ memaddr.NoCopy

	id   int32 // process-local mmf_id, assigned by the MMF table
	path string
	f    *os.File
	data []byte
	base memaddr.Addr[byte]

	hdr  *rootHeader
	meta *rootMeta
	bf   bitmap.Field
	lock *lock.ExclusiveAccessControl

	pageSize  int
	userStart int32 // first user-allocatable page index

	disposed atomic.Bool
}

// Open maps the file at path, creating and initializing it first if it has
// never been initialized. Initialization is
// serialized against other processes with an exclusive file lock; opening
// an initialized file validates the magic and version (Corrupted on
// mismatch) and, if opts supplies a geometry, that it matches the
// creator's.
func Open(path string, opts Options) (*Allocator, error) {
	if opts.WaiterCapacity <= 0 {
		opts.WaiterCapacity = 16
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	a, err := open(f, path, opts)
	unlockErr := unlockFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if unlockErr != nil {
		a.Close()
		return nil, unlockErr
	}
	return a, nil
}

func open(f *os.File, path string, opts Options) (*Allocator, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var onDiskPageSize int32
	if st.Size() >= rootHeaderSize {
		var buf [4]byte
		if _, err := f.ReadAt(buf[:], 0); err != nil {
			return nil, err
		}
		onDiskPageSize = int32(binary.LittleEndian.Uint32(buf[:]))
	}

	needInit := onDiskPageSize == 0
	fileSize := st.Size()
	var hdr rootHeader
	if needInit {
		hdr, err = computeLayout(opts.PageSize, opts.PageCount)
		if err != nil {
			return nil, err
		}
		fileSize = int64(opts.PageSize) * int64(opts.PageCount)
		if err := f.Truncate(fileSize); err != nil {
			return nil, err
		}
	}

	data, err := mapFile(f, int(fileSize))
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		path: path,
		f:    f,
		data: data,
		base: memaddr.AddrOf(&data[0]),
	}
	a.hdr = memaddr.Cast[rootHeader](a.base.AssertValid())
	a.meta = memaddr.Cast[rootMeta](a.base.Add(metaOffset).AssertValid())

	if needInit {
		a.initialize(hdr)
		debug.Log([]any{"mmf %s", path}, "create", "page_size=%d pages=%d", a.hdr.PageSize, a.hdr.PageCapacity)
	} else if err := a.validate(opts); err != nil {
		_ = unmapFile(data)
		return nil, err
	} else {
		debug.Log([]any{"mmf %s", path}, "open", "page_size=%d pages=%d", a.hdr.PageSize, a.hdr.PageCapacity)
	}

	a.pageSize = int(a.hdr.PageSize)
	a.userStart = a.hdr.OffsetUserData / a.hdr.PageSize
	a.bf = bitmap.FieldOver(memaddr.Slice(
		memaddr.Cast[uint64](a.base.Add(int(a.hdr.OffsetBitfield)).AssertValid()),
		int(a.hdr.BitfieldSize)/8))
	a.lock = lock.NewAt(&a.meta.Lock, int32(os.Getpid()), opts.WaiterCapacity, opts.Procs)
	a.id = registerMMF(a)
	return a, nil
}

// computeLayout derives the root header fields for a fresh file: bitfield
// at 512, directory immediately after, user data at the next page
// boundary.
func computeLayout(pageSize, pageCount int) (rootHeader, error) {
	if pageSize < bitfieldOffset || pageCount < 2 {
		return rootHeader{}, errs.New(errs.IndexOutOfRange, "mmf.Open",
			"file is uninitialized and no usable page geometry was supplied")
	}
	bfWords := (pageCount + 63) / 64
	bfSize := bfWords * 8
	offDir := bitfieldOffset + bfSize
	dirSize := pageCount * 4
	metaEnd := offDir + dirSize
	offUser := (metaEnd + pageSize - 1) / pageSize * pageSize
	fileSize := pageSize * pageCount
	if offUser >= fileSize {
		return rootHeader{}, errs.New(errs.CapacityTooBig, "mmf.Open",
			"page metadata consumes the entire file")
	}
	return rootHeader{
		PageSize:        int32(pageSize),
		PageCapacity:    int32(pageCount),
		OffsetBitfield:  int32(bitfieldOffset),
		BitfieldSize:    int32(bfSize),
		OffsetDirectory: int32(offDir),
		DirectorySize:   int32(dirSize),
		OffsetUserData:  int32(offUser),
		UserDataSize:    int32(fileSize - offUser),
	}, nil
}

// initialize writes the root header and meta block of a fresh file and
// pre-reserves the pages that hold them, plus the unaddressable tail bits
// of the last bitfield word.
func (a *Allocator) initialize(hdr rootHeader) {
	*a.hdr = hdr
	a.meta.Magic = magic
	a.meta.Version = version
	id := uuid.New()
	copy(a.meta.FileID[:], id[:])

	bf := bitmap.FieldOver(memaddr.Slice(
		memaddr.Cast[uint64](a.base.Add(int(hdr.OffsetBitfield)).AssertValid()),
		int(hdr.BitfieldSize)/8))
	metaPages := hdr.OffsetUserData / hdr.PageSize
	bf.SetRun(0, int(metaPages))
	if tail := int(hdr.PageCapacity) % 64; tail != 0 {
		bf.SetRun(hdr.PageCapacity, 64-tail)
	}
}

// validate checks an already-initialized file against the magic, version,
// and (when supplied) the caller's expected geometry.
func (a *Allocator) validate(opts Options) error {
	if a.meta.Magic != magic || a.meta.Version != version {
		return errs.Fatal("mmf.Open", "root header signature/version mismatch")
	}
	if opts.PageSize != 0 && int(a.hdr.PageSize) != opts.PageSize {
		return errs.Newf(errs.Corrupted, "mmf.Open",
			"file was created with page_size=%d, not %d", a.hdr.PageSize, opts.PageSize)
	}
	if opts.PageCount != 0 && int(a.hdr.PageCapacity) != opts.PageCount {
		return errs.Newf(errs.Corrupted, "mmf.Open",
			"file was created with page_capacity=%d, not %d", a.hdr.PageCapacity, opts.PageCount)
	}
	return nil
}

// ID returns this process's mmf_id for the file, the key every Segment
// produced here carries.
func (a *Allocator) ID() int32 { return a.id }

// FileID returns the file's creation-time identity, stable across
// processes and reopenings.
func (a *Allocator) FileID() uuid.UUID { return uuid.UUID(a.meta.FileID) }

// PageSize returns the fixed page size the file was created with.
func (a *Allocator) PageSize() int { return a.pageSize }

// PageCapacity returns the total number of pages in the file, metadata
// pages included.
func (a *Allocator) PageCapacity() int { return int(a.hdr.PageCapacity) }

func (a *Allocator) dirEntry(page int32) *atomic.Uint32 {
	return memaddr.Cast[atomic.Uint32](
		a.base.Add(int(a.hdr.OffsetDirectory) + int(page)*4).AssertValid())
}

func (a *Allocator) segmentForRun(page int32, n int) memaddr.Segment {
	return memaddr.Segment{
		Base:   a.base.Add(int(page) * a.pageSize),
		Length: int32(n * a.pageSize),
		MMFID:  a.id,
	}
}

// AllocatePages reserves n (1..=64) contiguous pages: a run of bits in the
// bitfield plus a directory entry {run_length=n, ref_count=1} at the run's
// first page.
func (a *Allocator) AllocatePages(n int) (memaddr.Segment, error) {
	if a.disposed.Load() {
		return memaddr.Empty, errs.New(errs.Disposed, "mmf.AllocatePages", "allocator closed")
	}
	if n < 1 || n > MaxRun {
		return memaddr.Empty, errs.Newf(errs.IndexOutOfRange, "mmf.AllocatePages", "n=%d out of range 1..%d", n, MaxRun)
	}

	lockID := lock.CurrentID()
	if ok, err := a.lock.TryEnter(lockID, 0); !ok {
		if err == nil {
			err = errs.New(errs.ConcurrencyExceeded, "mmf.AllocatePages", "could not acquire structural lock")
		}
		return memaddr.Empty, err
	}
	defer a.lock.Exit(lockID)

	page := a.bf.AllocateRun(n)
	if page < 0 {
		return memaddr.Empty, errs.New(errs.OutOfMemory, "mmf.AllocatePages", "file has no free run of that length")
	}
	a.dirEntry(page).Store(packDir(uint16(n), 1))
	return a.segmentForRun(page, n), nil
}

// pageIndexOf maps a page-aligned segment base back to its page index, or
// -1 if the base does not point at a user page of this file.
func (a *Allocator) pageIndexOf(base memaddr.Addr[byte]) int32 {
	off := base.Sub(a.base)
	if off < 0 || off%a.pageSize != 0 {
		return -1
	}
	page := int32(off / a.pageSize)
	if page < a.userStart || page >= a.hdr.PageCapacity {
		return -1
	}
	return page
}

// FreePages releases one reference to the page run seg points at; the last
// reference clears the run's bits and zeroes the directory slot. Unknown
// or already-free runs return false.
func (a *Allocator) FreePages(seg memaddr.Segment) bool {
	page := a.pageIndexOf(seg.Base)
	if page < 0 {
		return false
	}
	return a.releaseRun(page)
}

func (a *Allocator) releaseRun(page int32) bool {
	e := a.dirEntry(page)
	for {
		old := e.Load()
		run, ref := unpackDir(old)
		if run == 0 || ref <= 0 {
			return false
		}
		if !e.CompareAndSwap(old, packDir(run, ref-1)) {
			continue
		}
		if ref-1 > 0 {
			return true
		}

		// Last reference: reclaim the pages under the structural lock.
		lockID := lock.CurrentID()
		if ok, _ := a.lock.TryEnter(lockID, 0); !ok {
			return false
		}
		a.bf.ClearRun(page, int(run))
		e.Store(0)
		a.lock.Exit(lockID)
		return true
	}
}

// AddRef atomically bumps the ref_count of the page run seg points at,
// returning the new count. Only a live run (nonzero directory entry) can
// gain references; anything else reports ok=false.
func (a *Allocator) AddRef(seg memaddr.Segment) (int16, bool) {
	page := a.pageIndexOf(seg.Base)
	if page < 0 {
		return 0, false
	}
	e := a.dirEntry(page)
	for {
		old := e.Load()
		run, ref := unpackDir(old)
		if run == 0 || ref <= 0 {
			return 0, false
		}
		if e.CompareAndSwap(old, packDir(run, ref+1)) {
			return ref + 1, true
		}
	}
}

// SegmentForPages rebuilds the segment for a page run allocated in another
// process: the peer ships (file id, page index) and this process resolves
// it against its own mapping. The run's length
// comes from the directory.
func (a *Allocator) SegmentForPages(page int32) (memaddr.Segment, bool) {
	if page < a.userStart || page >= a.hdr.PageCapacity {
		return memaddr.Empty, false
	}
	run, ref := unpackDir(a.dirEntry(page).Load())
	if run == 0 || ref <= 0 {
		return memaddr.Empty, false
	}
	return a.segmentForRun(page, int(run)), true
}

// PageIndex returns the page index a segment of this file starts at, for
// shipping to another process alongside FileID.
func (a *Allocator) PageIndex(seg memaddr.Segment) int32 {
	return a.pageIndexOf(seg.Base)
}

// Allocate is the byte-granular, GPA-shaped entry point: it claims the
// smallest page run that fits size bytes plus the leading pad, stamps a
// GenBlockHeader with is_from_mmf set, and returns a Block whose Free path dispatches back here via the
// MMF table rather than the block referential.
func (a *Allocator) Allocate(size int64) (block.Block, error) {
	if size == 0 {
		return block.Sentinel, nil
	}
	if size < 0 {
		return block.Block{}, errs.New(errs.IndexOutOfRange, "mmf.Allocate", "negative size")
	}

	need := size + blockPad
	pages := int((need + int64(a.pageSize) - 1) / int64(a.pageSize))
	if pages > MaxRun {
		return block.Block{}, errs.New(errs.OutOfMemory, "mmf.Allocate", "request exceeds the largest page run")
	}

	seg, err := a.AllocatePages(pages)
	if err != nil {
		return block.Block{}, err
	}
	user := seg.Base.Add(blockPad)
	block.WriteHeader(user, 0, true)
	return block.FromSegment(memaddr.Segment{Base: user, Length: int32(size), MMFID: a.id}), nil
}

// FreeMMFBlock releases a block produced by Allocate, dispatched here by
// internal/block once the GenBlockHeader refcount hits zero.
func (a *Allocator) FreeMMFBlock(seg memaddr.Segment) bool {
	off := seg.Base.Sub(a.base) - blockPad
	if off < 0 || off%a.pageSize != 0 {
		return false
	}
	return a.releaseRun(int32(off / a.pageSize))
}

// Resize reallocates seg to newLength bytes by whole-run copy-and-replace
// (there is no in-place page extension), releasing one reference to the
// old run.
func (a *Allocator) Resize(seg memaddr.Segment, newLength int64, zeroExtra bool) (memaddr.Segment, error) {
	pages := int((newLength + int64(a.pageSize) - 1) / int64(a.pageSize))
	if pages < 1 {
		pages = 1
	}
	newSeg, err := a.AllocatePages(pages)
	if err != nil {
		return memaddr.Empty, err
	}

	n := copy(newSeg.Bytes(), seg.Bytes())
	if zeroExtra && n < int(newSeg.Length) {
		clear(newSeg.Bytes()[n:])
	}
	a.FreePages(seg)
	return newSeg, nil
}

// SanityCheck cross-checks the bitfield against the directory: every live
// directory run's bits must be set, and the bitfield's total population
// must be exactly the metadata pages, the unaddressable tail, and the sum
// of live run lengths.
func (a *Allocator) SanityCheck() error {
	expected := int(a.userStart)
	if tail := int(a.hdr.PageCapacity) % 64; tail != 0 {
		expected += 64 - tail
	}
	for page := a.userStart; page < a.hdr.PageCapacity; page++ {
		run, ref := unpackDir(a.dirEntry(page).Load())
		if run == 0 {
			continue
		}
		if ref <= 0 {
			return errs.Newf(errs.Corrupted, "mmf.SanityCheck", "page %d: run without references", page)
		}
		if !a.bf.TestRun(page, int(run)) {
			return errs.Newf(errs.Corrupted, "mmf.SanityCheck", "page %d: directory run not fully set in bitfield", page)
		}
		expected += int(run)
	}
	if got := a.bf.PopCount(); got != expected {
		return errs.Newf(errs.Corrupted, "mmf.SanityCheck", "bitfield population %d, want %d", got, expected)
	}
	return nil
}

// Flush forces the mapping's dirty pages back to the file.
func (a *Allocator) Flush() error {
	return flushFile(a.data)
}

// Close flushes, unmaps and closes the file, and releases this process's
// mmf_id. Blocks and page runs in the file stay allocated: the directory
// is the source of truth and another process (or a reopen) picks them up
// unchanged.
func (a *Allocator) Close() error {
	if !a.disposed.CompareAndSwap(false, true) {
		return errs.New(errs.Disposed, "mmf.Close", "already closed")
	}
	unregisterMMF(a.id)
	flushErr := flushFile(a.data)
	unmapErr := unmapFile(a.data)
	closeErr := a.f.Close()
	if flushErr != nil {
		return flushErr
	}
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
