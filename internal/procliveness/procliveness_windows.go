//go:build windows

package procliveness

import "golang.org/x/sys/windows"

// IsAlive opens pid and checks its exit code; STILL_ACTIVE means the
// process has not yet terminated. A failed OpenProcess is treated as dead
// (the process has already exited and been reaped).
func (p *Provider) IsAlive(pid int32) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == windows.STILL_ACTIVE
}
