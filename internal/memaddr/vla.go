package memaddr

import (
	"unsafe"

	"github.com/blockpool/blockpool/internal/memaddr/layout"
)

// VLA is a mechanism for accessing a variable-length array that follows some
// struct in memory, e.g. the page directory that follows the MMF root
// header, or the L0 bit words that follow a bitmap's fixed-size header.
type VLA[T any] [0]T

// Beyond obtains the VLA immediately past the end of *p, accounting for T's
// alignment.
func Beyond[T, Header any](p *Header) *VLA[T] {
	size := layout.Size[Header]()
	align := layout.Align[T]()
	size = (size + align - 1) &^ (align - 1)
	return Cast[VLA[T]](ByteAdd(p, size))
}

// Get returns a pointer to the nth element of this array.
func (a *VLA[T]) Get(n int) *T {
	return Add(Cast[T](a), n)
}

// Slice converts this VLA into a slice of the given length.
func (a *VLA[T]) Slice(n int) []T {
	return unsafe.Slice(a.Get(0), n)
}
