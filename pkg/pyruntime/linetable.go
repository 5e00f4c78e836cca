package pyruntime

// lineForOffset maps the byte offset of the last executed instruction to
// a source line using the code object's line table. It returns 0 when the
// line is unknown.
func lineForOffset(kind lineTableKind, table []byte, firstLineno int, offset int) int {
	var line int
	switch kind {
	case lineTable310:
		line = linetableLookup(table, firstLineno, offset)
	default:
		line = lnotabLookup(table, firstLineno, offset, kind == lnotabSigned)
	}
	if line < 0 {
		return 0
	}
	return line
}

// lnotabLookup walks co_lnotab, a sequence of (bytecode increment, line
// increment) byte pairs, until the bytecode offset passes offset.
func lnotabLookup(table []byte, firstLineno int, offset int, signed bool) int {
	line := firstLineno
	addr := 0
	for i := 0; i+1 < len(table); i += 2 {
		addr += int(table[i])
		if addr > offset {
			break
		}
		if signed {
			line += int(int8(table[i+1]))
		} else {
			line += int(table[i+1])
		}
	}
	return line
}

// noLineDelta marks a co_linetable entry that has no source line, such
// as the implicit return at the end of a module.
const noLineDelta = -128

// linetableLookup walks a 3.10 co_linetable: (bytecode length, line
// delta) byte pairs describing consecutive address ranges.
func linetableLookup(table []byte, firstLineno int, offset int) int {
	if offset < 0 {
		return firstLineno
	}
	line := firstLineno
	end := 0
	for i := 0; i+1 < len(table); i += 2 {
		start := end
		end += int(table[i])
		cur := -1
		if delta := int(int8(table[i+1])); delta != noLineDelta {
			line += delta
			cur = line
		}
		if start != end && offset >= start && offset < end {
			return cur
		}
	}
	return -1
}
