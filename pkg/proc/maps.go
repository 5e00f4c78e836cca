package proc

// MemoryMapEntry is one line of /proc/<pid>/maps.
type MemoryMapEntry struct {
	Addr uint64
	Size uint64

	Read, Write, Exec bool

	Filename string
	Offset   uint64
}

// End returns the first address past the mapping.
func (e MemoryMapEntry) End() uint64 {
	return e.Addr + e.Size
}

// MemoryMap is the list of mappings of a process, in address order.
type MemoryMap []MemoryMapEntry

// Find returns the mapping containing addr.
func (mm MemoryMap) Find(addr uint64) (MemoryMapEntry, bool) {
	for _, e := range mm {
		if addr >= e.Addr && addr < e.End() {
			return e, true
		}
	}
	return MemoryMapEntry{}, false
}

// Readable reports whether size bytes at addr lie inside a single
// readable mapping.
func (mm MemoryMap) Readable(addr uint64, size uint64) bool {
	e, ok := mm.Find(addr)
	if !ok || !e.Read {
		return false
	}
	return addr+size >= addr && addr+size <= e.End()
}
