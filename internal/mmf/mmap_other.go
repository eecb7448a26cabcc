//go:build !unix && !windows

package mmf

import (
	"os"

	"github.com/blockpool/blockpool/internal/debug"
)

func mapFile(f *os.File, size int) ([]byte, error) { return nil, debug.Unsupported() }

func unmapFile(data []byte) error { return debug.Unsupported() }

func flushFile(data []byte) error { return debug.Unsupported() }

func lockFile(f *os.File) error { return debug.Unsupported() }

func unlockFile(f *os.File) error { return debug.Unsupported() }
