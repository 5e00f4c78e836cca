package pyruntime

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/joaorafaelm/pystack/pkg/logflags"
	"github.com/joaorafaelm/pystack/pkg/proc"
)

const (
	// DefaultMaxDepth bounds the number of frames followed before the
	// chain is considered corrupted.
	DefaultMaxDepth = 1024

	// DefaultCodeCacheSize is the number of decoded code objects kept
	// between samples.
	DefaultCodeCacheSize = 4096
)

// WalkerConfig tunes a Walker. Zero values select the defaults.
type WalkerConfig struct {
	MaxDepth     int
	MaxStringLen int
	// CodeCacheSize is the size of the code object cache; a negative
	// value disables it.
	CodeCacheSize int
}

// Walker reconstructs Python stacks from a target's memory.
type Walker struct {
	mem          proc.MemoryReader
	layout       *Layout
	maxDepth     int
	maxStringLen int

	// codes caches decoded code objects by codeKey.
	codes *lru.Cache

	log logflags.Logger
}

// codeKey identifies a code object together with the objects it refers
// to. The pointers are read from the target on every visit, so a code
// object freed and replaced at the same address is not served from the
// cache unless all its names are at the same addresses too.
type codeKey struct {
	addr, filename, name, table uint64
	firstLineno                 int32
}

type codeInfo struct {
	filename    string
	name        string
	firstLineno int
	table       []byte
}

// NewWalker returns a Walker reading mem with the given layout.
func NewWalker(mem proc.MemoryReader, layout *Layout, cfg WalkerConfig) (*Walker, error) {
	w := &Walker{
		mem:          mem,
		layout:       layout,
		maxDepth:     cfg.MaxDepth,
		maxStringLen: cfg.MaxStringLen,
		log:          logflags.StackLogger(),
	}
	if w.maxDepth <= 0 {
		w.maxDepth = DefaultMaxDepth
	}
	if w.maxStringLen <= 0 {
		w.maxStringLen = DefaultMaxStringLen
	}
	size := cfg.CodeCacheSize
	if size == 0 {
		size = DefaultCodeCacheSize
	}
	if size > 0 {
		c, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		w.codes = c
	}
	return w, nil
}

// GetStack reads the thread state pointer stored at addr and returns the
// stack of the thread it refers to, innermost frame first.
//
// An empty stack with a nil error means that no thread is executing
// Python code at this instant. Errors are classified: a NonFatal error
// only spoils this capture, a Fatal one means the interpreter can no
// longer be inspected.
func (w *Walker) GetStack(addr uint64) (proc.Stack, error) {
	tstate, err := proc.ReadUintptr(w.mem, addr)
	if err != nil {
		if errors.Is(err, proc.ErrUnmapped) {
			return nil, proc.WrapFatal("reading thread state slot", fmt.Errorf("interpreter runtime no longer mapped: %w", err))
		}
		return nil, proc.WrapNonFatal("reading thread state slot", err)
	}
	if tstate == 0 {
		w.log.Debugf("no current thread state")
		return proc.Stack{}, nil
	}

	frame, err := proc.ReadUintptr(w.mem, tstate+w.layout.TStateFrame)
	if err != nil {
		return nil, proc.WrapNonFatal("reading current frame", err)
	}

	stack := proc.Stack{}
	for frame != 0 {
		if len(stack) >= w.maxDepth {
			return nil, proc.Fatalf("stack deeper than %d frames: the target's memory does not match the python %v layout", w.maxDepth, w.layout.Version)
		}
		f, back, err := w.readFrame(frame)
		if err != nil {
			return nil, proc.WrapNonFatal(fmt.Sprintf("frame %d at %#x", len(stack), frame), err)
		}
		stack = append(stack, f)
		frame = back
	}
	if len(stack) > 0 {
		w.log.Debugf("walked %d frames, innermost %v", len(stack), stack[0])
	}
	return stack, nil
}

// readFrame decodes the frame object at addr and returns it together
// with the address of its caller's frame.
func (w *Walker) readFrame(addr uint64) (proc.Frame, uint64, error) {
	l := w.layout
	buf, err := proc.ReadBytes(w.mem, addr, l.frameSize())
	if err != nil {
		return proc.Frame{}, 0, err
	}
	back := binary.LittleEndian.Uint64(buf[l.FrameBack:])
	code := binary.LittleEndian.Uint64(buf[l.FrameCode:])
	lasti := int(int32(binary.LittleEndian.Uint32(buf[l.FrameLasti:])))
	if l.LastiInstructions && lasti >= 0 {
		lasti *= 2
	}

	ci, err := w.readCode(code)
	if err != nil {
		return proc.Frame{}, 0, err
	}
	return proc.Frame{
		File:     ci.filename,
		Function: ci.name,
		Line:     lineForOffset(l.lineTable, ci.table, ci.firstLineno, lasti),
	}, back, nil
}

// readCode decodes the code object at addr, using the cache when the
// object's references have not changed.
func (w *Walker) readCode(addr uint64) (*codeInfo, error) {
	l := w.layout
	buf, err := proc.ReadBytes(w.mem, addr, l.codeSize())
	if err != nil {
		return nil, err
	}
	key := codeKey{
		addr:        addr,
		filename:    binary.LittleEndian.Uint64(buf[l.CodeFilename:]),
		name:        binary.LittleEndian.Uint64(buf[l.CodeName:]),
		table:       binary.LittleEndian.Uint64(buf[l.CodeLineTable:]),
		firstLineno: int32(binary.LittleEndian.Uint32(buf[l.CodeFirstLineno:])),
	}
	if w.codes != nil {
		if v, ok := w.codes.Get(key); ok {
			return v.(*codeInfo), nil
		}
	}

	ci := &codeInfo{firstLineno: int(key.firstLineno)}
	if ci.filename, err = w.readString(key.filename); err != nil {
		return nil, fmt.Errorf("co_filename: %w", err)
	}
	if ci.name, err = w.readString(key.name); err != nil {
		return nil, fmt.Errorf("co_name: %w", err)
	}
	if ci.table, err = w.readVarBytes(key.table, l.BytesData, proc.MaxReadSize); err != nil {
		return nil, fmt.Errorf("line table: %w", err)
	}
	if w.codes != nil {
		w.codes.Add(key, ci)
	}
	return ci, nil
}
