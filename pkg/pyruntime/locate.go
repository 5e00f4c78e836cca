package pyruntime

import (
	"fmt"
	"sort"

	"github.com/joaorafaelm/pystack/pkg/logflags"
	"github.com/joaorafaelm/pystack/pkg/proc"
)

// LocateOptions overrides parts of interpreter discovery.
type LocateOptions struct {
	// Version forces the interpreter version instead of detecting it.
	Version string
	// TStateCurrentOffsets overrides Layout.TStateCurrent per version
	// ("3.8" -> offset).
	TStateCurrentOffsets map[string]uint64
}

// Runtime describes the interpreter found in a target.
type Runtime struct {
	Version Version
	Layout  *Layout
	// Path is the ELF image exporting the interpreter's symbols.
	Path string
	Bias uint64
	// ThreadStateAddr is the address of the slot holding the current
	// PyThreadState pointer. The slot lives in the interpreter's static
	// data, so the address stays valid for as long as the interpreter
	// image stays mapped.
	ThreadStateAddr uint64
}

// Locate finds the interpreter runtime of pid and the address of its
// current thread state slot. mem is used to sanity check the slot's
// contents and may be nil. All errors are Fatal.
func Locate(pid int, mem proc.MemoryReader, opts LocateOptions) (*Runtime, error) {
	log := logflags.LocatorLogger().WithField("pid", pid)

	mm, err := proc.ReadMemoryMap(pid)
	if err != nil {
		return nil, proc.WrapFatal("reading memory map", err)
	}

	img, err := findRuntimeImage(pid, mm)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	log.Debugf("interpreter image %s", img.path)

	v, err := detectVersion(img, opts.Version)
	if err != nil {
		return nil, err
	}
	layout, ok := LayoutFor(v)
	if !ok {
		return nil, proc.Fatalf("python %v is not supported (supported: %v)", v, SupportedVersions())
	}
	if off, ok := opts.TStateCurrentOffsets[v.String()]; ok {
		layout.TStateCurrent = off
	}

	sym, err := img.lookupSymbol(layout.ThreadStateSymbol)
	if err != nil {
		return nil, proc.WrapFatal(fmt.Sprintf("python %v", v), err)
	}
	bias, err := img.loadBias(mm)
	if err != nil {
		return nil, proc.WrapFatal("computing load bias", err)
	}

	rt := &Runtime{
		Version:         v,
		Layout:          layout,
		Path:            img.path,
		Bias:            bias,
		ThreadStateAddr: sym + bias,
	}
	if layout.ThreadStateSymbol == symPyRuntime {
		rt.ThreadStateAddr += layout.TStateCurrent
	}
	log.Debugf("python %v, %s at %#x, bias %#x, thread state slot %#x", v, layout.ThreadStateSymbol, sym, bias, rt.ThreadStateAddr)

	if err := validate(rt, mm, mem); err != nil {
		return nil, err
	}
	return rt, nil
}

// validate checks that the thread state slot is mapped and, when the
// target can be read, that it holds either null or a mapped address.
func validate(rt *Runtime, mm proc.MemoryMap, mem proc.MemoryReader) error {
	if !mm.Readable(rt.ThreadStateAddr, proc.PtrSize) {
		return proc.Fatalf("thread state slot %#x is not in a readable mapping", rt.ThreadStateAddr)
	}
	if mem == nil {
		return nil
	}
	tstate, err := proc.ReadUintptr(mem, rt.ThreadStateAddr)
	if err != nil {
		return proc.WrapFatal("reading thread state slot", err)
	}
	if tstate != 0 && !mm.Readable(tstate, rt.Layout.TStateFrame+proc.PtrSize) {
		return proc.Fatalf("thread state pointer %#x read from %#x is not in a readable mapping (wrong python version or offsets?)", tstate, rt.ThreadStateAddr)
	}
	return nil
}

// findRuntimeImage picks the ELF image holding the interpreter: a mapped
// libpython wins over the executable, and as a last resort any mapped
// file exporting the thread state symbols is used.
func findRuntimeImage(pid int, mm proc.MemoryMap) (*image, error) {
	var candidates []string
	seen := map[string]bool{}
	add := func(path string) {
		if path == "" || path[0] != '/' || seen[path] {
			return
		}
		seen[path] = true
		candidates = append(candidates, path)
	}

	var libs, others []string
	for _, e := range mm {
		name := trimDeleted(e.Filename)
		if name == "" || name[0] != '/' {
			continue
		}
		if isLibpython(name) {
			libs = append(libs, name)
		} else {
			others = append(others, name)
		}
	}
	sort.Strings(libs)
	for _, l := range libs {
		add(l)
	}
	if exe, err := exePath(pid); err == nil {
		add(trimDeleted(exe))
	}
	for _, o := range others {
		add(o)
	}

	for _, path := range candidates {
		img, err := openImage(pid, path)
		if err != nil {
			continue
		}
		if img.hasSymbol(symPyRuntime) || img.hasSymbol(symThreadStateCurrent) {
			return img, nil
		}
		img.Close()
	}
	return nil, proc.Fatalf("could not find a python interpreter in process %d", pid)
}

// detectVersion returns the interpreter version of img, honoring an
// explicit override.
func detectVersion(img *image, override string) (Version, error) {
	if override != "" {
		v, err := ParseVersion(override)
		if err != nil {
			return Version{}, proc.WrapFatal("python version override", err)
		}
		return v, nil
	}
	if v, ok := versionFromPath(img.path); ok {
		return v, nil
	}
	if v, ok := img.scanVersion(); ok {
		return v, nil
	}
	return Version{}, proc.Fatalf("could not determine the python version of %s", img.path)
}
