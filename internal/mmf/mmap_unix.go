//go:build unix

package mmf

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps size bytes of f read-write and shared, so every process
// mapping the same file sees the same pages.
func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// unmapFile releases a mapping produced by mapFile.
func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

// flushFile forces dirty pages of the mapping back to the file.
func flushFile(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

// lockFile takes an exclusive advisory lock on f, serializing
// initialization between processes racing to create the same file.
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// unlockFile releases the advisory lock taken by lockFile.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
