// Package memaddr provides the pointer-algebra primitives that every
// allocator component in blockpool is built on: a typed raw address with
// arena-relative arithmetic, and a handful of unsafe helpers for treating a
// pinned byte buffer as a typed array.
//
// None of this package allocates; it only computes addresses and reinterprets
// bytes already owned by a caller (an arena's backing buffer, an mmap'd
// region). A Segment is just (base, length, mmf id), and everything else is
// arithmetic on top of it.
package memaddr

import (
	"fmt"
	"unsafe"

	"github.com/blockpool/blockpool/internal/memaddr/layout"
)

// Addr is a typed raw address. Unlike a *T, an Addr[T] is an ordinary integer:
// it can be stored in a header, compared, and offset without holding the GC
// runtime's attention, which is what lets the SBA/LBA segment headers store
// "pointers" as plain 32-bit arena-relative offsets.
type Addr[T any] uintptr

// AddrOf gets the address of a pointer.
func AddrOf[P ~*E, E any](p P) Addr[E] {
	return Addr[E](unsafe.Pointer(p))
}

// AssertValid reinterprets this address as a live pointer. The caller is
// asserting that the address was derived from memory that is still mapped
// and, in the Go-heap case, still reachable.
//
//go:nosplit
func (a Addr[T]) AssertValid() *T {
	return (*T)(unsafe.Pointer(a)) //nolint:govet
}

// IsNil reports whether this is the zero address.
func (a Addr[T]) IsNil() bool { return a == 0 }

// Add adds n elements' worth of offset to this address.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// Sub computes the difference between two addresses, in elements.
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a-b) / layout.Size[T]()
}

// Misalign returns the misalignment for an address: the byte offset to the
// previous and next align-aligned address. align must be a power of two. If a
// is already aligned, both return values are 0.
func (a Addr[T]) Misalign(align int) (prev, next int) {
	addr := int(a)
	prev = addr & (align - 1)
	next = (align - addr) & (align - 1)
	return prev, next
}

// Format implements fmt.Formatter, printing the address in hex for %v.
func (a Addr[T]) Format(state fmt.State, verb rune) {
	if verb == 'v' {
		fmt.Fprintf(state, "%#x", uintptr(a))
		return
	}
	fmt.Fprintf(state, fmt.FormatString(state, verb), uintptr(a))
}
