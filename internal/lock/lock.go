// Package lock implements ExclusiveAccessControl: a spin-wait
// ticket mutex whose entire state lives in one packed 64-bit word, plus a
// small waiter ring that lets a single designated waiter recover from a
// holder that died without calling Exit.
//
// The design is the cross-process analogue of a userspace ticket lock: a
// goroutine reserves a ticket, then spins until top_ticket reaches it. What
// a plain ticket lock can't do is notice that the current holder's process
// has disappeared. That is the only cross-process deadlock recovery
// mechanism in the library, so it's wired in here rather than left for a
// caller to reimplement.
package lock

import (
	"sync"
	"time"

	"github.com/timandy/routine"

	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/sync2"
)

// CurrentID returns a lock_id that uniquely identifies the calling
// goroutine, suitable for TryEnter/Exit. Every internal consumer of
// ExclusiveAccessControl (the CBM's commit section, the arena allocators)
// uses this instead of minting its own identifier, so re-entrancy is keyed
// on "same goroutine" rather than something a caller could get wrong.
func CurrentID() int64 { return int64(routine.Goid()) }

// ProcessProvider reports whether a process is still alive. Implementations
// live in internal/procliveness; ExclusiveAccessControl only needs the
// interface so it can be unit-tested without touching the OS.
type ProcessProvider interface {
	IsAlive(pid int32) bool
}

type waiterSlot struct {
	active    bool
	ticketSet bool
	lockID    int64
	ticket    uint16
}

// ExclusiveAccessControl is a ticket-based spin mutex with a bounded waiter
// ring and liveness-driven takeover. The zero value is not usable; construct
// one with New.
type ExclusiveAccessControl struct {
	// word is the packed {top_ticket, next_ticket, owner_process_id}
	// triple. It may point into process-local memory (New) or into a
	// shared mapping such as an MMF's root page (NewAt), in which case
	// the ticket protocol itself is what serializes across processes;
	// holderMu, the waiter ring and re-entrancy are per-process state.
	word *sync2.PackedWord

	holderLockID int64 // guarded by holderMu; 0 means unheld
	reentrant    int32 // guarded by holderMu
	holderMu     sync.Mutex

	procs ProcessProvider
	pid   int32

	waitersMu sync.Mutex
	waiters   []waiterSlot

	// abandoned holds tickets whose waiters gave up (timeout) before
	// being served; Exit consumes them when advancing top_ticket so the
	// protocol never stalls on a ticket nobody is spinning for. Guarded
	// by waitersMu, together with the top_ticket transitions in Exit and
	// the timeout path, so a ticket is either marked before Exit scans or
	// its owner observes the advanced top and takes the lock after all.
	abandoned map[uint16]struct{}

	// spinsBeforeLivenessCheck bounds how long the head waiter spins
	// before consulting procs; smaller values recover faster but poll
	// the process table more.
	spinsBeforeLivenessCheck int
}

// Option configures an ExclusiveAccessControl at construction.
type Option func(*ExclusiveAccessControl)

// WithSpinBudget overrides the default number of spin iterations the head
// waiter takes before checking the holder's liveness.
func WithSpinBudget(n int) Option {
	return func(e *ExclusiveAccessControl) {
		if n > 0 {
			e.spinsBeforeLivenessCheck = n
		}
	}
}

// New constructs a lock with the given waiter-ring capacity and process pid
// (recorded in the lock word when this process takes it), using procs to
// detect a dead holder during liveness recovery.
func New(pid int32, waiterCapacity int, procs ProcessProvider, opts ...Option) *ExclusiveAccessControl {
	return NewAt(new(sync2.PackedWord), pid, waiterCapacity, procs, opts...)
}

// NewAt is like New but adopts an existing lock word instead of allocating
// one, so the word can live inside a shared mapping (the MMF root page)
// where every process mapping the file contends on the same ticket
// counters. The word must be 8-byte aligned and zeroed (or left in a valid
// prior state) by the caller.
func NewAt(word *sync2.PackedWord, pid int32, waiterCapacity int, procs ProcessProvider, opts ...Option) *ExclusiveAccessControl {
	e := &ExclusiveAccessControl{
		word:                     word,
		procs:                    procs,
		pid:                      pid,
		waiters:                  make([]waiterSlot, waiterCapacity),
		abandoned:                make(map[uint16]struct{}),
		spinsBeforeLivenessCheck: 4096,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TryEnter acquires the lock for lockID, blocking (with spin+backoff) until
// acquired, the timeout elapses, or the waiter ring is full. A lockID
// already holding the lock re-enters: the call succeeds immediately and
// bumps a re-entrancy counter that Exit must unwind in matching calls.
func (e *ExclusiveAccessControl) TryEnter(lockID int64, timeout time.Duration) (bool, error) {
	if lockID == 0 {
		return false, errs.New(errs.BadLockID, "lock.TryEnter", "lock_id must be nonzero")
	}

	e.holderMu.Lock()
	if e.holderLockID == lockID {
		e.reentrant++
		e.holderMu.Unlock()
		return true, nil
	}
	e.holderMu.Unlock()

	slot, ok := e.registerWaiter(lockID)
	if !ok {
		return false, errs.New(errs.ConcurrencyExceeded, "lock.TryEnter", "waiter ring full")
	}
	defer e.unregisterWaiter(slot)

	myTicket := e.reserveTicket()
	e.setWaiterTicket(slot, myTicket)

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	spins := 0
	backoff := time.Microsecond
	for {
		top, _, owner := sync2.UnpackLockWord(e.word.Load())
		if top == myTicket {
			e.commitAcquire(lockID)
			return true, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			if e.abandonTicket(myTicket) {
				// top_ticket reached us in the window before the ticket
				// could be retracted; the lock is ours after all.
				e.commitAcquire(lockID)
				return true, nil
			}
			return false, nil
		}

		spins++
		if spins >= e.spinsBeforeLivenessCheck && e.isHeadWaiter(myTicket) && e.procs != nil && owner != 0 && !e.procs.IsAlive(owner) {
			if e.forceTake(myTicket) {
				e.commitAcquire(lockID)
				return true, nil
			}
			spins = 0
		}

		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// Exit releases the lock held by lockID. It is an error to call Exit with a
// lockID that does not currently hold the lock.
func (e *ExclusiveAccessControl) Exit(lockID int64) error {
	e.holderMu.Lock()
	if e.holderLockID != lockID {
		e.holderMu.Unlock()
		return errs.New(errs.BadLockID, "lock.Exit", "lock_id does not hold the lock")
	}
	if e.reentrant > 1 {
		e.reentrant--
		e.holderMu.Unlock()
		return nil
	}
	e.holderLockID = 0
	e.reentrant = 0
	e.holderMu.Unlock()

	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for {
		old := e.word.Load()
		top, next, _ := sync2.UnpackLockWord(old)
		newTop := top + 1
		for {
			if _, gone := e.abandoned[newTop]; !gone {
				break
			}
			delete(e.abandoned, newTop)
			newTop++
		}
		newWord := sync2.PackLockWord(newTop, next, 0)
		if e.word.CompareAndSwap(old, newWord) {
			return nil
		}
	}
}

// abandonTicket retracts a timed-out waiter's ticket so Exit can skip it,
// unless top_ticket already reached the ticket, in which case the waiter
// owns the lock and must take it (reported by returning true). Runs under
// waitersMu so the check-and-mark is atomic with Exit's skip-and-advance.
func (e *ExclusiveAccessControl) abandonTicket(ticket uint16) (acquired bool) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()

	top, _, _ := sync2.UnpackLockWord(e.word.Load())
	if top == ticket {
		return true
	}
	e.abandoned[ticket] = struct{}{}
	return false
}

// reserveTicket atomically reserves the next ticket, without yet touching
// owner_process_id (that's set in commitAcquire once this ticket is served).
func (e *ExclusiveAccessControl) reserveTicket() uint16 {
	for {
		old := e.word.Load()
		top, next, owner := sync2.UnpackLockWord(old)
		newWord := sync2.PackLockWord(top, next+1, owner)
		if e.word.CompareAndSwap(old, newWord) {
			return next
		}
	}
}

// commitAcquire stamps this process's pid into the lock word (the ticket
// has already reached top_ticket by the time this is called) and records
// the new holder.
func (e *ExclusiveAccessControl) commitAcquire(lockID int64) {
	for {
		old := e.word.Load()
		top, next, _ := sync2.UnpackLockWord(old)
		newWord := sync2.PackLockWord(top, next, e.pid)
		if e.word.CompareAndSwap(old, newWord) {
			break
		}
	}

	e.holderMu.Lock()
	e.holderLockID = lockID
	e.reentrant = 1
	e.holderMu.Unlock()
}

// forceTake bypasses ticket order entirely, jumping top_ticket straight to
// myTicket and claiming ownership for this process. It only ever succeeds
// once per dead holder, since the CAS is keyed off the word observed at the
// time the liveness check failed.
func (e *ExclusiveAccessControl) forceTake(myTicket uint16) bool {
	old := e.word.Load()
	top, next, owner := sync2.UnpackLockWord(old)
	if top == myTicket {
		return false // someone else already advanced top_ticket to us
	}
	newWord := sync2.PackLockWord(myTicket, next, owner)
	if !e.word.CompareAndSwap(old, newWord) {
		return false
	}

	// Tickets jumped over belonged to the dead holder's process (or were
	// already retracted); drop any retraction records so they can't be
	// mistaken for fresh tickets after the counter wraps.
	e.waitersMu.Lock()
	for t := top; t != myTicket; t++ {
		delete(e.abandoned, t)
	}
	e.waitersMu.Unlock()
	return true
}

func (e *ExclusiveAccessControl) registerWaiter(lockID int64) (int, bool) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i := range e.waiters {
		if !e.waiters[i].active {
			e.waiters[i] = waiterSlot{active: true, lockID: lockID}
			return i, true
		}
	}
	return -1, false
}

func (e *ExclusiveAccessControl) setWaiterTicket(slot int, ticket uint16) {
	e.waitersMu.Lock()
	e.waiters[slot].ticket = ticket
	e.waiters[slot].ticketSet = true
	e.waitersMu.Unlock()
}

func (e *ExclusiveAccessControl) unregisterWaiter(slot int) {
	if slot < 0 {
		return
	}
	e.waitersMu.Lock()
	e.waiters[slot] = waiterSlot{}
	e.waitersMu.Unlock()
}

// isHeadWaiter reports whether ticket is the smallest ticket currently
// registered in the waiter ring. Only that waiter attempts liveness-based
// recovery, so a dead holder triggers at most one forced takeover instead
// of a stampede.
func (e *ExclusiveAccessControl) isHeadWaiter(ticket uint16) bool {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()

	for i := range e.waiters {
		if e.waiters[i].active && e.waiters[i].ticketSet && e.waiters[i].ticket < ticket {
			return false
		}
	}
	return true
}
