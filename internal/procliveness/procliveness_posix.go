//go:build !windows

package procliveness

import "golang.org/x/sys/unix"

// IsAlive sends signal 0 to pid, which the kernel validates without actually
// delivering a signal: ESRCH means the process is gone, EPERM means it
// exists but belongs to another user (still alive), anything else is
// treated as alive to stay on the conservative side of a false takeover.
func (p *Provider) IsAlive(pid int32) bool {
	err := unix.Kill(int(pid), 0)
	return err != unix.ESRCH
}
