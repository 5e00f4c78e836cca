package proc

import (
	"strconv"
	"strings"
)

// Frame is one entry of a call stack as captured from the target.
type Frame struct {
	File     string
	Function string
	Line     int
}

// String returns the frame in file:function:line form, the format used
// both for single-shot traces and inside folded stacks.
func (f Frame) String() string {
	return f.File + ":" + f.Function + ":" + strconv.Itoa(f.Line)
}

// Stack is an ordered list of frames, innermost (currently executing)
// frame first.
type Stack []Frame

// Reverse returns a copy of s ordered outermost frame first.
func (s Stack) Reverse() Stack {
	r := make(Stack, len(s))
	for i := range s {
		r[len(s)-1-i] = s[i]
	}
	return r
}

// Equal reports whether s and o contain the same frames in the same order.
func (s Stack) Equal(o Stack) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Key returns a string that identifies s by full structural equality.
// Every field of every frame contributes, so two stacks share a key iff
// Equal reports true.
func (s Stack) Key() string {
	var b strings.Builder
	for _, f := range s {
		writeKeyField(&b, f.File)
		writeKeyField(&b, f.Function)
		b.WriteString(strconv.Itoa(f.Line))
		b.WriteByte(0)
	}
	return b.String()
}

// writeKeyField length-prefixes str so that separators appearing inside
// file or function names cannot make two different stacks collide.
func writeKeyField(b *strings.Builder, str string) {
	b.WriteString(strconv.Itoa(len(str)))
	b.WriteByte(':')
	b.WriteString(str)
}
