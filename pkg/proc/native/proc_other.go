//go:build !linux
// +build !linux

package native

import (
	"runtime"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

func errUnsupported() error {
	return proc.Fatalf("inspecting processes is not supported on %s", runtime.GOOS)
}

// Attach is not supported on this platform.
func (dbp *Process) Attach() error {
	return errUnsupported()
}

// Detach is not supported on this platform.
func (dbp *Process) Detach() error {
	return errUnsupported()
}

// ReadMemory is not supported on this platform.
func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, errUnsupported()
}

// Exists always returns false on this platform.
func Exists(pid int) bool {
	return false
}
