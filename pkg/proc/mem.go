package proc

import (
	"encoding/binary"
	"fmt"
)

const (
	// minAddr is the lowest address considered plausible; the first page
	// is never mapped on the platforms we support.
	minAddr = 0x1000

	// MaxReadSize bounds a single remote read. Anything larger indicates
	// that a length field was read from garbage.
	MaxReadSize = 1 << 20

	// PtrSize is the size of a pointer in the targets we support.
	PtrSize = 8
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory in the target.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// CheckAddr validates that a read of size bytes at addr is plausible:
// the address is above the first page, the size is bounded and the range
// does not wrap around.
func CheckAddr(addr uint64, size int) error {
	if addr == 0 {
		return NonFatalf("read of %d bytes at null address", size)
	}
	if addr < minAddr {
		return NonFatalf("implausible address %#x", addr)
	}
	if size < 0 || size > MaxReadSize {
		return NonFatalf("implausible read size %d at %#x", size, addr)
	}
	if addr+uint64(size) < addr {
		return NonFatalf("read of %d bytes at %#x overflows", size, addr)
	}
	return nil
}

// ReadBytes reads exactly size bytes at addr. Implausible requests and
// short reads are reported as NonFatal errors.
func ReadBytes(mem MemoryReader, addr uint64, size int) ([]byte, error) {
	if err := CheckAddr(addr, size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return nil, WrapNonFatal(fmt.Sprintf("read %#x", addr), err)
	}
	if n != size {
		return nil, NonFatalf("short read at %#x: got %d of %d bytes", addr, n, size)
	}
	return buf, nil
}

// ReadUintptr reads a pointer sized value at addr.
func ReadUintptr(mem MemoryReader, addr uint64) (uint64, error) {
	buf, err := ReadBytes(mem, addr, PtrSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// ReadInt64 reads a signed 64 bit value at addr.
func ReadInt64(mem MemoryReader, addr uint64) (int64, error) {
	v, err := ReadUintptr(mem, addr)
	return int64(v), err
}

// ReadUint32 reads an unsigned 32 bit value at addr.
func ReadUint32(mem MemoryReader, addr uint64) (uint32, error) {
	buf, err := ReadBytes(mem, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// ReadInt32 reads a signed 32 bit value at addr.
func ReadInt32(mem MemoryReader, addr uint64) (int32, error) {
	v, err := ReadUint32(mem, addr)
	return int32(v), err
}
