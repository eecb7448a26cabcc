// Package sync2 provides small strongly-typed wrappers around sync/atomic
// that the rest of blockpool builds its lock-free and lock-light paths on.
package sync2

import "sync/atomic"

// PackedWord is the lock word used by [internal/lock.ExclusiveAccessControl]:
// a 64-bit value split into a 16-bit top ticket, a 16-bit next ticket and a
// 32-bit owning process id, manipulated with a single atomic CAS loop rather
// than three separate fields so the whole triple updates atomically.
type PackedWord struct {
	v atomic.Uint64
}

// UnpackLockWord splits a packed 64-bit lock word into its three fields.
func UnpackLockWord(word uint64) (topTicket, nextTicket uint16, ownerPID int32) {
	topTicket = uint16(word)
	nextTicket = uint16(word >> 16)
	ownerPID = int32(word >> 32)
	return
}

// PackLockWord assembles the three fields of a lock word into a single
// uint64.
func PackLockWord(topTicket, nextTicket uint16, ownerPID int32) uint64 {
	return uint64(topTicket) | uint64(nextTicket)<<16 | uint64(uint32(ownerPID))<<32
}

// Load atomically reads the packed word.
func (w *PackedWord) Load() uint64 { return w.v.Load() }

// Store atomically overwrites the packed word.
func (w *PackedWord) Store(word uint64) { w.v.Store(word) }

// CompareAndSwap performs a single-word CAS on the packed triple.
func (w *PackedWord) CompareAndSwap(old, new uint64) bool {
	return w.v.CompareAndSwap(old, new)
}

// RefCount is a sequentially-consistent reference counter backing the
// GenBlockHeader.RefCount field. Every mutation is a single atomic RMW, so
// concurrent holders agree on which decrement reached zero. (The MMF page
// directory packs its per-page ref_count into a shared u32 alongside the
// run length and therefore maintains it with its own CAS loop instead.)
type RefCount struct {
	v atomic.Int32
}

// Init sets the initial count. Must only be called before the value is
// published to other goroutines.
func (r *RefCount) Init(n int32) { r.v.Store(n) }

// Load atomically reads the count.
func (r *RefCount) Load() int32 { return r.v.Load() }

// Add atomically adjusts the count (AddRef, and Free's decrement) and
// returns the new value.
func (r *RefCount) Add(delta int32) int32 { return r.v.Add(delta) }
