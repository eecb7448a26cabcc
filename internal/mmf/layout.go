package mmf

import (
	"github.com/blockpool/blockpool/internal/memaddr/layout"
	"github.com/blockpool/blockpool/internal/sync2"
)

// rootHeader is the 32-byte structure at file offset 0:
// eight little-endian i32 fields with natural alignment. A PageSize of 0
// means the file has never been initialized.
type rootHeader struct {
	PageSize        int32
	PageCapacity    int32
	OffsetBitfield  int32
	BitfieldSize    int32
	OffsetDirectory int32
	DirectorySize   int32
	OffsetUserData  int32
	UserDataSize    int32
}

// rootMeta lives in the reserved region [32, 512) of the file: the magic
// and version that back the Corrupted check on open, the file identity
// that distinguishes "this file" from a different MMF reusing the same
// path, and the structural lock word shared by every process mapping the
// file.
type rootMeta struct {
	Magic   uint32
	Version uint32
	FileID  [16]byte
	Lock    sync2.PackedWord
}

const (
	magic   = 0x424C4B50 // "BLKP"
	version = 1

	rootHeaderSize = 32
	metaOffset     = rootHeaderSize
	bitfieldOffset = 512

	// blockPad is the gap between a page run's base and the user-visible
	// start of a byte-granular block carved from it: the user bytes are
	// 16-byte aligned with the GenBlockHeader in the bytes just before
	// them, same discipline as the GPA paths.
	blockPad = 16
)

func init() {
	if layout.Size[rootHeader]() != rootHeaderSize {
		panic("mmf: rootHeader must be exactly 32 bytes")
	}
	if metaOffset+layout.Size[rootMeta]() > bitfieldOffset {
		panic("mmf: rootMeta does not fit in the reserved region")
	}
}

// packDir assembles a page-directory entry: {run_length: u16, ref_count:
// i16} in one u32.
func packDir(runLength uint16, refCount int16) uint32 {
	return uint32(runLength) | uint32(uint16(refCount))<<16
}

// unpackDir splits a page-directory entry.
func unpackDir(v uint32) (runLength uint16, refCount int16) {
	return uint16(v), int16(v >> 16)
}
