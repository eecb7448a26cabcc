//go:build debug

// Package debug contains the structured event log, assertions and
// allocation-site tracking that are external to the allocator contract:
// none of it is reachable unless the binary is built with `-tags debug`.
// It adds no guard bytes around allocations.
package debug

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/timandy/routine"
)

// Enabled is true when the binary was built with the debug tag.
const Enabled = true

var (
	logPattern *regexp.Regexp
	logMu      sync.Mutex
)

func init() {
	flag.Func("blockpool.logfilter", "regexp to filter debug logs by", func(s string) (err error) {
		logMu.Lock()
		defer logMu.Unlock()
		logPattern, err = regexp.Compile(s)
		return err
	})
}

// Log prints debugging information about an allocator operation to stderr.
//
// context is an optional (format, args...) pair identifying the receiver
// the operation ran against (an arena, a bitmap, ...); it is printed ahead
// of operation so that related log lines can be grepped together.
func Log(context []any, operation string, format string, args ...any) {
	skip := 2
	pc, file, line, _ := runtime.Caller(skip)

	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	pkg := name
	if idx := strings.LastIndex(pkg, "/"); idx >= 0 {
		pkg = pkg[idx+1:]
	}
	if idx := strings.Index(pkg, "."); idx >= 0 {
		pkg = pkg[:idx]
	}
	file = filepath.Base(file)

	buf := new(strings.Builder)
	fmt.Fprintf(buf, "%s/%s:%d [g%04d", pkg, file, line, routine.Goid())
	if len(context) >= 1 {
		fmt.Fprintf(buf, ", "+context[0].(string), context[1:]...)
	}
	fmt.Fprintf(buf, "] %s: ", operation)
	fmt.Fprintf(buf, format, args...)

	logMu.Lock()
	pattern := logPattern
	logMu.Unlock()
	if pattern != nil && !pattern.MatchString(buf.String()) {
		return
	}

	buf.WriteByte('\n')
	_, _ = os.Stderr.WriteString(buf.String())
}

// Assert panics if cond is false. Only compiled into debug builds; release
// builds rely on the caller's own invariants instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("blockpool: internal assertion failed: "+format, args...))
	}
}

// sites maps every live allocation's user address to the call stack that
// produced it, so a teardown can report leaks by allocation site.
var (
	sitesMu sync.Mutex
	sites   = map[uintptr]string{}
)

// RecordAlloc notes a live allocation and the stack that produced it.
func RecordAlloc(addr uintptr) {
	s := Stack(3)
	sitesMu.Lock()
	sites[addr] = s
	sitesMu.Unlock()
}

// RecordFree drops addr from the live-allocation map.
func RecordFree(addr uintptr) {
	sitesMu.Lock()
	delete(sites, addr)
	sitesMu.Unlock()
}

// Leaks snapshots the allocation sites of every block still live.
func Leaks() map[uintptr]string {
	sitesMu.Lock()
	defer sitesMu.Unlock()
	out := make(map[uintptr]string, len(sites))
	for addr, site := range sites {
		out[addr] = site
	}
	return out
}

// Value holds a value that only exists in debug builds. In release builds
// this collapses to an empty struct, so embedding one costs nothing.
type Value[T any] struct {
	x T
}

// Get returns a pointer to the wrapped value.
func (v *Value[T]) Get() *T { return &v.x }
