//go:build !linux
// +build !linux

package proc

import "errors"

// ReadMemoryMap is only supported on linux.
func ReadMemoryMap(pid int) (MemoryMap, error) {
	return nil, errors.New("reading memory maps is only supported on linux")
}
