package bitmap

import "math/bits"

// Field is a flat occupancy bitfield over caller-owned words, with no
// L1/L2/L3 aggregates and no lock of its own. It exists for the MMF allocator, whose
// on-disk format persists only the raw bit-per-page words;
// the caller is responsible for serializing mutation (the MMF's structural
// lock) and for sizing words to ceil(capacity/64).
type Field struct {
	words []uint64
}

// FieldOver adopts words as the backing storage of a Field. The words are
// shared, not copied: mutations through the Field are visible to every
// other holder of the same storage (e.g. another process mapping the same
// file).
func FieldOver(words []uint64) Field { return Field{words: words} }

// AllocateRun finds the first run of n (1..=64) contiguous clear bits, all
// inside a single word, sets them, and returns the run's starting bit
// index, or -1 if no such run exists. First-fit, left to right, same
// single-word restriction as the hierarchical bitmap.
func (f Field) AllocateRun(n int) int32 {
	if n < 1 || n > 64 {
		return -1
	}
	for i, word := range f.words {
		if word == ^uint64(0) {
			continue
		}
		if bit, ok := findZeroRun(word, n); ok {
			f.words[i] |= runMask(bit, n)
			return int32(i*64 + bit)
		}
	}
	return -1
}

// SetRun marks the n bits starting at index occupied, for pre-reserving
// ranges that must never be handed out (the directory page, the
// unaddressable tail of the last word). The run may span words.
func (f Field) SetRun(index int32, n int) {
	for i := int(index); i < int(index)+n; i++ {
		f.words[i/64] |= uint64(1) << uint(i%64)
	}
}

// ClearRun clears the n bits starting at index. No validation of prior
// state, mirroring FreeBits.
func (f Field) ClearRun(index int32, n int) {
	for i := int(index); i < int(index)+n; i++ {
		f.words[i/64] &^= uint64(1) << uint(i%64)
	}
}

// TestRun reports whether all n bits starting at index are set.
func (f Field) TestRun(index int32, n int) bool {
	for i := int(index); i < int(index)+n; i++ {
		if f.words[i/64]&(uint64(1)<<uint(i%64)) == 0 {
			return false
		}
	}
	return true
}

// PopCount returns the total number of set bits.
func (f Field) PopCount() int {
	var total int
	for _, word := range f.words {
		total += bits.OnesCount64(word)
	}
	return total
}
