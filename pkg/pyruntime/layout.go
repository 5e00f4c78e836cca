package pyruntime

// stringKind selects how string objects referenced by code objects are
// decoded.
type stringKind uint8

const (
	// py2String is a Python 2 str: PyStringObject.
	py2String stringKind = iota
	// py3Unicode is a PEP 393 unicode object.
	py3Unicode
)

// lineTableKind selects the line number table format of code objects.
type lineTableKind uint8

const (
	// lnotabUnsigned is co_lnotab with unsigned line increments (2.7, 3.5).
	lnotabUnsigned lineTableKind = iota
	// lnotabSigned is co_lnotab with signed line increments (3.6 - 3.9).
	lnotabSigned
	// lineTable310 is the PEP 626 co_linetable of 3.10.
	lineTable310
)

// Layout describes where the fields the walker needs live inside the
// interpreter's structures for one CPython version.
type Layout struct {
	Version Version

	// ThreadStateSymbol is the exported symbol locating the current
	// thread state. For _PyRuntime the pointer lives TStateCurrent bytes
	// into the symbol; for _PyThreadState_Current the symbol is the slot.
	ThreadStateSymbol string
	TStateCurrent     uint64

	// PyThreadState
	TStateFrame uint64

	// PyFrameObject
	FrameBack  uint64
	FrameCode  uint64
	FrameLasti uint64
	// LastiInstructions is set when f_lasti counts 2-byte code units
	// rather than bytes.
	LastiInstructions bool

	// PyCodeObject
	CodeFirstLineno uint64
	CodeFilename    uint64
	CodeName        uint64
	CodeLineTable   uint64

	// Object headers
	VarSize    uint64 // ob_size of PyVarObject
	BytesData  uint64 // ob_sval of the bytes type holding line tables
	StringData uint64 // ob_sval of PyStringObject (Python 2 only)

	strings   stringKind
	lineTable lineTableKind
}

// frameSize is the number of bytes of a frame object read per frame.
func (l *Layout) frameSize() int {
	return int(l.FrameLasti) + 4
}

// codeSize is the number of bytes of a code object read per frame.
func (l *Layout) codeSize() int {
	end := l.CodeFirstLineno + 4
	for _, off := range []uint64{l.CodeFilename, l.CodeName, l.CodeLineTable} {
		if off+8 > end {
			end = off + 8
		}
	}
	return int(end)
}

const (
	symPyRuntime          = "_PyRuntime"
	symThreadStateCurrent = "_PyThreadState_Current"
)

// layouts holds the offsets of x86_64 and arm64 release builds.
var layouts = map[Version]Layout{
	{2, 7}: {
		ThreadStateSymbol: symThreadStateCurrent,
		TStateFrame:       16,
		FrameBack:         24, FrameCode: 32, FrameLasti: 120,
		CodeFirstLineno: 96, CodeFilename: 80, CodeName: 88, CodeLineTable: 104,
		VarSize: 16, BytesData: 36, StringData: 36,
		strings: py2String, lineTable: lnotabUnsigned,
	},
	{3, 5}: {
		ThreadStateSymbol: symThreadStateCurrent,
		TStateFrame:       24,
		FrameBack:         24, FrameCode: 32, FrameLasti: 120,
		CodeFirstLineno: 112, CodeFilename: 96, CodeName: 104, CodeLineTable: 120,
		VarSize: 16, BytesData: 32,
		strings: py3Unicode, lineTable: lnotabUnsigned,
	},
	{3, 6}: {
		ThreadStateSymbol: symThreadStateCurrent,
		TStateFrame:       24,
		FrameBack:         24, FrameCode: 32, FrameLasti: 120,
		CodeFirstLineno: 36, CodeFilename: 96, CodeName: 104, CodeLineTable: 112,
		VarSize: 16, BytesData: 32,
		strings: py3Unicode, lineTable: lnotabSigned,
	},
	{3, 7}: {
		ThreadStateSymbol: symPyRuntime, TStateCurrent: 1480,
		TStateFrame: 24,
		FrameBack:   24, FrameCode: 32, FrameLasti: 104,
		CodeFirstLineno: 36, CodeFilename: 96, CodeName: 104, CodeLineTable: 112,
		VarSize: 16, BytesData: 32,
		strings: py3Unicode, lineTable: lnotabSigned,
	},
	{3, 8}: {
		ThreadStateSymbol: symPyRuntime, TStateCurrent: 1368,
		TStateFrame: 24,
		FrameBack:   24, FrameCode: 32, FrameLasti: 104,
		CodeFirstLineno: 40, CodeFilename: 104, CodeName: 112, CodeLineTable: 120,
		VarSize: 16, BytesData: 32,
		strings: py3Unicode, lineTable: lnotabSigned,
	},
	{3, 9}: {
		ThreadStateSymbol: symPyRuntime, TStateCurrent: 568,
		TStateFrame: 24,
		FrameBack:   24, FrameCode: 32, FrameLasti: 104,
		CodeFirstLineno: 40, CodeFilename: 104, CodeName: 112, CodeLineTable: 120,
		VarSize: 16, BytesData: 32,
		strings: py3Unicode, lineTable: lnotabSigned,
	},
	{3, 10}: {
		ThreadStateSymbol: symPyRuntime, TStateCurrent: 568,
		TStateFrame: 24,
		FrameBack:   24, FrameCode: 32, FrameLasti: 96, LastiInstructions: true,
		CodeFirstLineno: 40, CodeFilename: 104, CodeName: 112, CodeLineTable: 120,
		VarSize: 16, BytesData: 32,
		strings: py3Unicode, lineTable: lineTable310,
	},
}

// LayoutFor returns the structure layout of version v, or false if v is
// not supported.
func LayoutFor(v Version) (*Layout, bool) {
	l, ok := layouts[v]
	if !ok {
		return nil, false
	}
	l.Version = v
	return &l, true
}

// SupportedVersions lists the interpreter versions LayoutFor knows.
func SupportedVersions() []Version {
	return []Version{{2, 7}, {3, 5}, {3, 6}, {3, 7}, {3, 8}, {3, 9}, {3, 10}}
}
