package proc

import (
	"github.com/prometheus/procfs"
)

// ReadMemoryMap reads the memory map of pid from procfs.
func ReadMemoryMap(pid int) (MemoryMap, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	return memoryMapFromProcfs(maps), nil
}

func memoryMapFromProcfs(maps []*procfs.ProcMap) MemoryMap {
	mm := make(MemoryMap, 0, len(maps))
	for _, m := range maps {
		e := MemoryMapEntry{
			Addr:     uint64(m.StartAddr),
			Size:     uint64(m.EndAddr - m.StartAddr),
			Offset:   uint64(m.Offset),
			Filename: m.Pathname,
		}
		if m.Perms != nil {
			e.Read, e.Write, e.Exec = m.Perms.Read, m.Perms.Write, m.Perms.Execute
		}
		mm = append(mm, e)
	}
	return mm
}
