// Package errs implements blockpool's error taxonomy: a closed set of
// Kind values plus a single error type that carries one, so callers can
// switch on errs.KindOf(err) instead of string-matching.
//
// Two paths (an unresolvable block_index in the block referential, and a
// corrupted MMF root header) are genuinely unrecoverable rather than
// merely fallible, and those are wrapped with github.com/pkg/errors,
// so a crash report carries a stack trace pointing at the call that
// triggered them.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the failure of a fallible operation.
type Kind int

const (
	_ Kind = iota
	// OutOfMemory is raised when a request exceeds arena/file capacity.
	OutOfMemory
	// Disposed is raised by any operation on an allocator after Dispose.
	Disposed
	// BadLockID is raised by ExclusiveAccessControl.Exit with the wrong id.
	BadLockID
	// ConcurrencyExceeded is raised when a lock's waiter ring is full.
	ConcurrencyExceeded
	// IndexOutOfRange is raised when an index, count or size argument is
	// outside its valid range (bitmap runs, page counts, negative sizes,
	// an unresolvable block_index). memaddr.Segment.Slice panics instead of
	// returning it.
	IndexOutOfRange
	// CapacityTooBig is raised when a requested capacity exceeds storage:
	// mmf.Open raises it when the page metadata would fill the whole file.
	// bitmap.New has no capacity bound and does not raise it.
	CapacityTooBig
	// BlockOverrun is the kind reserved for guard-byte overrun reports. No
	// code path raises it: debug builds add no guard bytes.
	BlockOverrun
	// Corrupted is raised when an MMF root header's signature or version
	// does not match.
	Corrupted
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case Disposed:
		return "allocator disposed"
	case BadLockID:
		return "bad lock id"
	case ConcurrencyExceeded:
		return "concurrency exceeded"
	case IndexOutOfRange:
		return "index out of range"
	case CapacityTooBig:
		return "capacity too big"
	case BlockOverrun:
		return "block overrun"
	case Corrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for every fallible operation in
// blockpool. Recover its Kind from any error that is or wraps one with
// KindOf(err).
type Error struct {
	K   Kind
	Op  string // the operation that failed, e.g. "sba.Allocate"
	Msg string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("blockpool: %s: %s", e.Op, e.K)
	}
	return fmt.Sprintf("blockpool: %s: %s: %s", e.Op, e.K, e.Msg)
}

// New constructs an *Error for the given kind and operation.
func New(k Kind, op string, msg string) *Error {
	return &Error{K: k, Op: op, Msg: msg}
}

// Newf is like New but formats Msg.
func Newf(k Kind, op, format string, args ...any) *Error {
	return &Error{K: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.K, true
	}
	return 0, false
}

// Fatal wraps an unrecoverable condition (an unresolvable block_index, a
// corrupted MMF root header) with a captured stack trace. Unlike every
// other error in this package, a Fatal error is meant to propagate all the
// way out and typically terminate the process, rather than be handled as
// part of the ordinary result contract.
func Fatal(op, msg string) error {
	return errors.WithStack(&Error{K: Corrupted, Op: op, Msg: msg})
}

// FatalKind is like Fatal but lets the caller pick a Kind other than
// Corrupted (e.g. an unresolvable block_index is conceptually an
// IndexOutOfRange, but still fatal).
func FatalKind(k Kind, op, msg string) error {
	return errors.WithStack(&Error{K: k, Op: op, Msg: msg})
}
