package pyruntime

import (
	"encoding/binary"
	"testing"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

// fakeTarget is an in-memory stand-in for a target address space in
// which tests lay out CPython objects.
type fakeTarget struct {
	t      *testing.T
	layout *Layout
	allocs map[uint64][]byte
	next   uint64
	reads  int
	exited bool
}

func newFakeTarget(t *testing.T, v Version) *fakeTarget {
	l, ok := LayoutFor(v)
	if !ok {
		t.Fatalf("no layout for %v", v)
	}
	return &fakeTarget{t: t, layout: l, allocs: map[uint64][]byte{}, next: 0x7f0000010000}
}

func (ft *fakeTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	ft.reads++
	if ft.exited {
		return 0, proc.ProcessExitedError{Pid: 1234}
	}
	for base, b := range ft.allocs {
		if addr >= base && addr < base+uint64(len(b)) {
			return copy(buf, b[addr-base:]), nil
		}
	}
	return 0, proc.ErrUnmapped
}

func (ft *fakeTarget) alloc(size int) uint64 {
	addr := ft.next
	ft.allocs[addr] = make([]byte, size)
	ft.next += (uint64(size)+15)&^15 + 0x40
	return addr
}

func (ft *fakeTarget) bytesAt(addr uint64) []byte {
	for base, b := range ft.allocs {
		if addr >= base && addr < base+uint64(len(b)) {
			return b[addr-base:]
		}
	}
	ft.t.Fatalf("write to unallocated address %#x", addr)
	return nil
}

func (ft *fakeTarget) putU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(ft.bytesAt(addr), v)
}

func (ft *fakeTarget) putU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(ft.bytesAt(addr), v)
}

// str lays out a string object of the interpreter's native str type.
func (ft *fakeTarget) str(s string) uint64 {
	if ft.layout.strings == py2String {
		return ft.varBytes([]byte(s), ft.layout.StringData)
	}
	runes := []rune(s)
	ascii, kind := true, 1
	for _, r := range runes {
		if r >= 0x80 {
			ascii = false
		}
		if r > 0xff && kind < 2 {
			kind = 2
		}
		if r > 0xffff {
			kind = 4
		}
	}
	data := uint64(unicodeCompactData)
	state := uint32(stateReady | stateCompact | kind<<stateKindShift)
	if ascii {
		data = unicodeASCIIData
		state |= stateASCII
	}
	addr := ft.alloc(int(data) + (len(runes)+1)*kind)
	ft.putU64(addr+unicodeLength, uint64(len(runes)))
	ft.putU32(addr+unicodeState, state)
	b := ft.bytesAt(addr + data)
	for i, r := range runes {
		switch kind {
		case 1:
			b[i] = byte(r)
		case 2:
			binary.LittleEndian.PutUint16(b[2*i:], uint16(r))
		case 4:
			binary.LittleEndian.PutUint32(b[4*i:], uint32(r))
		}
	}
	return addr
}

// legacyStr lays out a non-compact unicode object whose UCS1 data lives
// in a separate allocation.
func (ft *fakeTarget) legacyStr(s string) uint64 {
	addr := ft.alloc(unicodeLegacyData + 8)
	data := ft.alloc(len(s) + 1)
	copy(ft.bytesAt(data), s)
	ft.putU64(addr+unicodeLength, uint64(len(s)))
	ft.putU32(addr+unicodeState, stateReady|1<<stateKindShift)
	ft.putU64(addr+unicodeLegacyData, data)
	return addr
}

func (ft *fakeTarget) varBytes(b []byte, dataOff uint64) uint64 {
	addr := ft.alloc(int(dataOff) + len(b) + 1)
	ft.putU64(addr+ft.layout.VarSize, uint64(len(b)))
	copy(ft.bytesAt(addr+dataOff), b)
	return addr
}

func (ft *fakeTarget) code(filename, name string, firstLineno int, table []byte) uint64 {
	l := ft.layout
	addr := ft.alloc(l.codeSize())
	ft.putU64(addr+l.CodeFilename, ft.str(filename))
	ft.putU64(addr+l.CodeName, ft.str(name))
	ft.putU32(addr+l.CodeFirstLineno, uint32(firstLineno))
	ft.putU64(addr+l.CodeLineTable, ft.varBytes(table, l.BytesData))
	return addr
}

func (ft *fakeTarget) frame(code, back uint64, lasti int) uint64 {
	l := ft.layout
	addr := ft.alloc(l.frameSize())
	ft.putU64(addr+l.FrameBack, back)
	ft.putU64(addr+l.FrameCode, code)
	ft.putU32(addr+l.FrameLasti, uint32(int32(lasti)))
	return addr
}

// thread lays out a thread state pointing at frame and the slot holding
// it, and returns the slot address.
func (ft *fakeTarget) thread(frame uint64) uint64 {
	tstate := ft.alloc(int(ft.layout.TStateFrame) + 8)
	ft.putU64(tstate+ft.layout.TStateFrame, frame)
	slot := ft.alloc(8)
	ft.putU64(slot, tstate)
	return slot
}

func (ft *fakeTarget) walker(cfg WalkerConfig) *Walker {
	w, err := NewWalker(ft, ft.layout, cfg)
	if err != nil {
		ft.t.Fatal(err)
	}
	return w
}
