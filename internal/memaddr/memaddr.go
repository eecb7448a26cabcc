package memaddr

import (
	"math"
	"sync"
	"unsafe"

	"github.com/blockpool/blockpool/internal/memaddr/layout"
)

const (
	PointerSize  = int(unsafe.Sizeof(unsafe.Pointer(nil)))
	PointerAlign = PointerSize
)

// Int is any integer type usable as an index or count in the helpers below.
type Int interface {
	int | int8 | int16 | int32 | int64 |
		uint | uint8 | uint16 | uint32 | uint64 |
		uintptr
}

// BitCast performs an unsafe bitcast from one type to another. The two types
// must have the same size; callers are on the hook for that.
func BitCast[To, From any](v From) To {
	return *(*To)(unsafe.Pointer(&v))
}

// Cast reinterprets a pointer to one type as a pointer to another.
func Cast[To, From any](p *From) *To {
	return (*To)(unsafe.Pointer(p))
}

// Add adds n elements' worth of offset to p.
func Add[P ~*E, E any, I Int](p P, n I) P {
	return P(unsafe.Add(unsafe.Pointer(p), uintptr(layout.Size[E]())*uintptr(n)))
}

// ByteAdd adds n bytes of offset to p, without scaling by sizeof(E).
func ByteAdd[P ~*E, E any, I Int](p P, n I) P {
	return P(unsafe.Add(unsafe.Pointer(p), uintptr(n)))
}

// Load loads the nth element of type E starting at p.
func Load[P ~*E, E any, I Int](p P, n I) E {
	return *Add(p, n)
}

// Store stores v as the nth element of type E starting at p.
func Store[P ~*E, E any, I Int](p P, n I, v E) {
	*Add(p, n) = v
}

// ByteLoad loads a value of type T at the given byte offset from p.
func ByteLoad[T any, P ~*E, E any, I Int](p P, n I) T {
	return *Cast[T](ByteAdd(p, n))
}

// ByteStore stores v of type T at the given byte offset from p.
func ByteStore[T any, P ~*E, E any, I Int](p P, n I, v T) {
	*Cast[T](ByteAdd(p, n)) = v
}

// BoundsCheck emulates a slice bounds check for index n against length len,
// panicking with the runtime's own "index out of range" message if it fails.
// Used by Segment.Slice so an out-of-range slice panics the same way a plain
// slice access does.
func BoundsCheck(n, length int) {
	dummy := unsafe.Slice(&struct{}{}, length&^math.MinInt)
	_ = dummy[n]
}

// Slice is like unsafe.Slice, but takes any integer type for the length.
func Slice[P ~*E, E any, I Int](p P, length I) []E {
	return Slice2(p, length, length)
}

// Slice2 is like Slice, but allows specifying length and capacity separately.
func Slice2[P ~*E, E any, I Int](p P, length, cap I) []E {
	return unsafe.Slice(p, cap)[:length]
}

// Bytes reinterprets a single value of type E as its raw byte representation.
func Bytes[P ~*E, E any](p P) []byte {
	return Slice(Cast[byte](p), layout.Size[E]())
}

// Copy copies n elements from src to dst.
func Copy[P ~*E, E any, I Int](dst, src P, n I) {
	copy(Slice(dst, n), Slice(src, n))
}

// Clear zeros n elements starting at p.
func Clear[P ~*E, E any, I Int](p P, n I) {
	clear(Slice(p, n))
}

// NoCopy is embedded in types that must not be copied after first use (an
// arena, a bitmap, an ExclusiveAccessControl); `go vet` flags any value
// passed by value once this is embedded, because it implements sync.Locker.
type NoCopy [0]sync.Mutex
