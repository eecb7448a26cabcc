package mmf

import (
	"sync"

	"github.com/google/uuid"

	"github.com/blockpool/blockpool/internal/block"
	"github.com/blockpool/blockpool/internal/memaddr"
)

// The per-process MMF address table: a plain slice mapping
// mmf_id to the open Allocator (and thus to its process-local base
// address), with released slots reused via a stack. Id 0 is reserved (a
// Segment with MMFID 0 is not MMF-backed at all), so slot i holds id i+1.
var table struct {
	mu     sync.Mutex
	allocs []*Allocator
	free   []int32
}

func registerMMF(a *Allocator) int32 {
	table.mu.Lock()
	defer table.mu.Unlock()

	if n := len(table.free); n > 0 {
		id := table.free[n-1]
		table.free = table.free[:n-1]
		table.allocs[id-1] = a
		return id
	}
	table.allocs = append(table.allocs, a)
	return int32(len(table.allocs))
}

func unregisterMMF(id int32) {
	table.mu.Lock()
	defer table.mu.Unlock()

	if id < 1 || int(id) > len(table.allocs) {
		return
	}
	table.allocs[id-1] = nil
	table.free = append(table.free, id)
}

// Lookup resolves an mmf_id to its open Allocator.
func Lookup(id int32) (*Allocator, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()

	if id < 1 || int(id) > len(table.allocs) || table.allocs[id-1] == nil {
		return nil, false
	}
	return table.allocs[id-1], true
}

// LookupByFileID resolves a file's creation-time identity to this
// process's open Allocator for it, the first step in turning a
// cross-process (file id, page index) pair back into a local segment.
func LookupByFileID(fileID uuid.UUID) (*Allocator, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()

	for _, a := range table.allocs {
		if a != nil && uuid.UUID(a.meta.FileID) == fileID {
			return a, true
		}
	}
	return nil, false
}

// dispatcher routes block.Free's is_from_mmf path to the
// owning Allocator via the segment's mmf_id.
type dispatcher struct{}

func (dispatcher) FreeMMFBlock(seg memaddr.Segment) bool {
	a, ok := Lookup(seg.MMFID)
	if !ok {
		return false
	}
	return a.FreeMMFBlock(seg)
}

func init() { block.SetMMFDispatcher(dispatcher{}) }
