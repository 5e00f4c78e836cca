package pyruntime

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

// DefaultMaxStringLen bounds the number of characters decoded from a
// single string object.
const DefaultMaxStringLen = 4096

// PEP 393 unicode object layout (3.3 - 3.11).
const (
	unicodeLength      = 16
	unicodeState       = 32
	unicodeASCIIData   = 48 // sizeof(PyASCIIObject)
	unicodeCompactData = 72 // sizeof(PyCompactUnicodeObject)
	unicodeLegacyData  = 72 // PyUnicodeObject.data.any

	stateKindShift = 2
	stateKindMask  = 0x7
	stateCompact   = 1 << 5
	stateASCII     = 1 << 6
	stateReady     = 1 << 7
)

// readString decodes the str object at addr.
func (w *Walker) readString(addr uint64) (string, error) {
	switch w.layout.strings {
	case py2String:
		b, err := w.readVarBytes(addr, w.layout.StringData, w.maxStringLen)
		if err != nil {
			return "", err
		}
		return latin1OrUTF8(b), nil
	default:
		return w.readUnicode(addr)
	}
}

// readVarBytes reads the payload of a bytes-like PyVarObject whose data
// starts dataOff bytes into the object. Payloads longer than limit are
// truncated.
func (w *Walker) readVarBytes(addr uint64, dataOff uint64, limit int) ([]byte, error) {
	size, err := proc.ReadInt64(w.mem, addr+w.layout.VarSize)
	if err != nil {
		return nil, err
	}
	if size < 0 || size > proc.MaxReadSize {
		return nil, proc.NonFatalf("implausible object size %d at %#x", size, addr)
	}
	if size > int64(limit) {
		size = int64(limit)
	}
	return proc.ReadBytes(w.mem, addr+dataOff, int(size))
}

func (w *Walker) readUnicode(addr uint64) (string, error) {
	hdr, err := proc.ReadBytes(w.mem, addr, unicodeASCIIData)
	if err != nil {
		return "", err
	}
	length := int64(binary.LittleEndian.Uint64(hdr[unicodeLength:]))
	state := binary.LittleEndian.Uint32(hdr[unicodeState:])
	if length < 0 {
		return "", proc.NonFatalf("implausible string length %d at %#x", length, addr)
	}
	if state&stateReady == 0 {
		return "", proc.NonFatalf("string at %#x is not ready", addr)
	}
	kind := int((state >> stateKindShift) & stateKindMask)
	if kind != 1 && kind != 2 && kind != 4 {
		return "", proc.NonFatalf("bad string kind %d at %#x", kind, addr)
	}
	truncated := false
	if length > int64(w.maxStringLen) {
		length = int64(w.maxStringLen)
		truncated = true
	}

	var data uint64
	switch {
	case state&stateCompact != 0 && state&stateASCII != 0:
		data = addr + unicodeASCIIData
	case state&stateCompact != 0:
		data = addr + unicodeCompactData
	default:
		data, err = proc.ReadUintptr(w.mem, addr+unicodeLegacyData)
		if err != nil {
			return "", err
		}
	}
	raw, err := proc.ReadBytes(w.mem, data, int(length)*kind)
	if err != nil {
		return "", err
	}
	s := decodeUnicode(raw, kind)
	if truncated {
		s += "..."
	}
	return s, nil
}

// decodeUnicode converts PEP 393 canonical data of the given kind (bytes
// per character) to a Go string.
func decodeUnicode(raw []byte, kind int) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i+kind <= len(raw); i += kind {
		var r rune
		switch kind {
		case 1:
			r = rune(raw[i])
		case 2:
			r = rune(binary.LittleEndian.Uint16(raw[i:]))
		case 4:
			r = rune(binary.LittleEndian.Uint32(raw[i:]))
		}
		if !utf8.ValidRune(r) {
			r = utf8.RuneError
		}
		b.WriteRune(r)
	}
	return b.String()
}

// latin1OrUTF8 decodes a Python 2 byte string: file names are usually
// UTF-8, anything else is taken as Latin-1.
func latin1OrUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return decodeUnicode(b, 1)
}
