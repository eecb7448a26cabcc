// Package registry implements the block referential: a
// process-wide table mapping a small block_index to the allocator that
// owns it, so Free can be dispatched purely from what's stored in a
// block's header, without the caller having to remember which allocator
// it came from.
//
// This is deliberately a plain slice indexed by small integers plus a stack
// of released slots, not a map: no type-system magic, nothing clever.
// Mutation (arena construction and disposal) is rare and serialized under a
// mutex; lookups sit on every Free's hot path and read an atomically
// published copy-on-write snapshot of the slice, taking no lock at all.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/memaddr"
)

// MaxBlockIndex caps the table at 2^24 entries. The block_index header
// field is 30 bits wide, so this is deliberately conservative: far more
// arenas than any process can hold, while keeping the top of the field's
// range free.
const MaxBlockIndex = 1<<24 - 1

// Registrant is anything that can free a block given the address of its
// user-visible bytes; SBA/LBA arenas (segalloc.Arena) implement it.
type Registrant interface {
	FreeBlock(userAddr memaddr.Addr[byte]) bool
}

// Registry is the process-wide block referential. The zero value is ready
// to use; Global holds the one instance every allocator registers with.
type Registry struct {
	mu        sync.Mutex // serializes Register/Unregister
	entries   atomic.Pointer[[]Registrant]
	freeStack []int32
}

// Global is the single process-wide block referential, constructed once at
// package init and torn down with the process.
var Global = &Registry{}

// Register adds r to the table, returning its block_index. Released slots
// are reused via a stack before the table grows. Publishes a fresh
// snapshot so concurrent Lookups never observe a half-updated table.
func (r *Registry) Register(reg Registrant) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if n := len(r.freeStack); n > 0 {
		id := r.freeStack[n-1]
		r.freeStack = r.freeStack[:n-1]
		next := make([]Registrant, len(cur))
		copy(next, cur)
		next[id] = reg
		r.entries.Store(&next)
		return id
	}

	id := int32(len(cur))
	if id > MaxBlockIndex {
		panic("registry: block index space exhausted")
	}
	next := make([]Registrant, len(cur)+1)
	copy(next, cur)
	next[id] = reg
	r.entries.Store(&next)
	return id
}

// Unregister releases id back to the free stack. The caller is responsible
// for having already disposed of (or otherwise quiesced) every block that
// referenced id.
func (r *Registry) Unregister(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if id < 0 || int(id) >= len(cur) {
		return
	}
	next := make([]Registrant, len(cur))
	copy(next, cur)
	next[id] = nil
	r.entries.Store(&next)
	r.freeStack = append(r.freeStack, id)
}

func (r *Registry) snapshot() []Registrant {
	if p := r.entries.Load(); p != nil {
		return *p
	}
	return nil
}

// Lookup resolves id to its registrant, or reports it unresolved. It is a
// lock-free read against the latest published snapshot.
func (r *Registry) Lookup(id int32) (Registrant, bool) {
	entries := r.snapshot()
	if id < 0 || int(id) >= len(entries) || entries[id] == nil {
		return nil, false
	}
	return entries[id], true
}

// Free resolves block_index to its owning allocator and asks it to free
// the block at userAddr. An index that doesn't resolve to any registered
// allocator is the one free-path failure that is fatal rather than an
// ordinary false return.
func (r *Registry) Free(blockIndex int32, userAddr memaddr.Addr[byte]) (bool, error) {
	reg, ok := r.Lookup(blockIndex)
	if !ok {
		return false, errs.FatalKind(errs.IndexOutOfRange, "registry.Free", "unresolvable block_index")
	}
	return reg.FreeBlock(userAddr), nil
}
