package pyruntime

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

const pageMask = 0xfff

// image is an ELF file mapped into the target.
type image struct {
	path string // path as seen by the target
	file *elf.File
}

// openImage opens the ELF file the target mapped from path, looking
// through /proc/<pid>/root first so that targets in another mount
// namespace resolve to their own files.
func openImage(pid int, path string) (*image, error) {
	var firstErr error
	for _, p := range []string{fmt.Sprintf("/proc/%d/root%s", pid, path), path} {
		f, err := elf.Open(p)
		if err == nil {
			return &image{path: path, file: f}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (img *image) Close() error {
	return img.file.Close()
}

var errSymbolNotFound = errors.New("symbol not found")

// lookupSymbol returns the link time address of name, searching the
// dynamic symbol table first and the full symbol table second.
func (img *image) lookupSymbol(name string) (uint64, error) {
	for _, get := range []func() ([]elf.Symbol, error){img.file.DynamicSymbols, img.file.Symbols} {
		syms, err := get()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if s.Name == name && s.Value != 0 {
				return s.Value, nil
			}
		}
	}
	return 0, fmt.Errorf("%s in %s: %w", name, img.path, errSymbolNotFound)
}

// hasSymbol reports whether the image defines name.
func (img *image) hasSymbol(name string) bool {
	_, err := img.lookupSymbol(name)
	return err == nil
}

// scanVersion looks for the interpreter release string in the image's
// read-only data.
func (img *image) scanVersion() (Version, bool) {
	for _, name := range []string{".rodata", ".data"} {
		sec := img.file.Section(name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if v, ok := scanVersion(data); ok {
			return v, true
		}
	}
	return Version{}, false
}

// loadBias computes the difference between the addresses the image was
// loaded at and its link time addresses, by matching a mapping of the
// image against the PT_LOAD segment with the same file offset.
func (img *image) loadBias(mm proc.MemoryMap) (uint64, error) {
	if img.file.Type == elf.ET_EXEC {
		return 0, nil
	}
	for _, e := range mm {
		if trimDeleted(e.Filename) != img.path {
			continue
		}
		for _, p := range img.file.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			if p.Off&^pageMask == e.Offset {
				return e.Addr - (p.Vaddr &^ pageMask), nil
			}
		}
	}
	return 0, fmt.Errorf("no mapping of %s matches its load segments", img.path)
}

// trimDeleted removes the marker procfs appends to files replaced on
// disk after they were mapped.
func trimDeleted(name string) string {
	return strings.TrimSuffix(name, " (deleted)")
}

// exePath returns the path of the target's executable.
func exePath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}
