package debug

import (
	"fmt"
	"runtime"
	"strings"
)

// Unsupported returns an "unsupported on this platform" error attributed to
// the calling function. Used by the MMF backend on platforms without a
// native mmap equivalent.
func Unsupported() error {
	pc, _, _, _ := runtime.Caller(1)
	return &errUnsupported{pc}
}

type errUnsupported struct{ pc uintptr }

func (e *errUnsupported) Error() string {
	name := runtime.FuncForPC(e.pc).Name()
	if name == "" {
		return "blockpool: unsupported operation"
	}

	slash := strings.LastIndexByte(name, '/')
	name = name[slash+1:]
	return fmt.Sprintf("blockpool: %s() is not supported on this platform", name)
}
