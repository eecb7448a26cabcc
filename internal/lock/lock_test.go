package lock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/errs"
	"github.com/blockpool/blockpool/internal/lock"
)

type fakeProcs struct {
	mu   sync.Mutex
	dead map[int32]bool
}

func newFakeProcs() *fakeProcs { return &fakeProcs{dead: make(map[int32]bool)} }

func (f *fakeProcs) IsAlive(pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[pid]
}

func (f *fakeProcs) kill(pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[pid] = true
}

func TestTryEnterExit(t *testing.T) {
	t.Parallel()

	l := lock.New(1, 4, nil)
	ok, err := l.TryEnter(100, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Exit(100))
}

func TestReentrant(t *testing.T) {
	t.Parallel()

	l := lock.New(1, 4, nil)
	ok, err := l.TryEnter(100, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryEnter(100, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Exit(100))
	require.NoError(t, l.Exit(100))

	assert.ErrorContains(t, l.Exit(100), "bad lock id")
}

func TestExitWrongLockID(t *testing.T) {
	t.Parallel()

	l := lock.New(1, 4, nil)
	_, err := l.TryEnter(100, time.Second)
	require.NoError(t, err)

	err = l.Exit(200)
	k, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.BadLockID, k)
}

func TestConcurrencyExceeded(t *testing.T) {
	t.Parallel()

	l := lock.New(1, 1, nil)
	ok, err := l.TryEnter(100, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := l.TryEnter(200, 50*time.Millisecond)
		assert.NoError(t, err)
	}()

	time.Sleep(5 * time.Millisecond)
	_, err = l.TryEnter(300, time.Millisecond)
	k, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ConcurrencyExceeded, k)

	<-done
	require.NoError(t, l.Exit(100))
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	l := lock.New(1, 4, nil)
	_, err := l.TryEnter(100, 0)
	require.NoError(t, err)

	ok, err := l.TryEnter(200, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimedOutTicketDoesNotStallTheLock(t *testing.T) {
	t.Parallel()

	l := lock.New(1, 4, nil)
	_, err := l.TryEnter(100, 0)
	require.NoError(t, err)

	// This waiter reserves the next ticket and gives up on it.
	ok, err := l.TryEnter(200, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	// Exit must skip the retracted ticket so the next enter is served.
	require.NoError(t, l.Exit(100))
	ok, err = l.TryEnter(300, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Exit(300))
}

func TestLivenessRecovery(t *testing.T) {
	t.Parallel()

	procs := newFakeProcs()
	l := lock.New(1, 4, procs, lock.WithSpinBudget(4))

	ok, err := l.TryEnter(100, 0)
	require.NoError(t, err)
	require.True(t, ok)

	procs.kill(1)

	done := make(chan bool, 1)
	go func() {
		ok, err := l.TryEnter(200, 2*time.Second)
		assert.NoError(t, err)
		done <- ok
	}()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("forced takeover never succeeded")
	}
}
