package sampler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

const (
	// nullLabel names the line reporting unusable samples.
	nullLabel = "(null)"
	frameSep  = ";"
)

// ErrEmptyStack is returned by WriteFolded when an empty stack was
// bucketed instead of being counted as an empty sample.
var ErrEmptyStack = errors.New("empty stack found in sample buckets")

// Bucket is a distinct stack and the number of times it was observed.
type Bucket struct {
	Stack proc.Stack
	Count int
}

// Profile accumulates the samples of one run.
type Profile struct {
	buckets map[string]*Bucket

	// Empty counts attempts that produced no usable stack.
	Empty int
	// Attempts counts every capture attempt.
	Attempts int
}

// NewProfile returns an empty Profile.
func NewProfile() *Profile {
	return &Profile{buckets: make(map[string]*Bucket)}
}

// Add records one observation of stack. Callers divert empty stacks to
// AddEmpty.
func (p *Profile) Add(stack proc.Stack) {
	p.Attempts++
	key := stack.Key()
	if b, ok := p.buckets[key]; ok {
		b.Count++
		return
	}
	p.buckets[key] = &Bucket{Stack: stack, Count: 1}
}

// AddEmpty records an attempt that produced no usable stack.
func (p *Profile) AddEmpty() {
	p.Attempts++
	p.Empty++
}

// Buckets returns the buckets sorted by decreasing count, ties broken by
// their folded representation.
func (p *Profile) Buckets() []*Bucket {
	r := make([]*Bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		r = append(r, b)
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].Count != r[j].Count {
			return r[i].Count > r[j].Count
		}
		return foldStack(r[i].Stack) < foldStack(r[j].Stack)
	})
	return r
}

// WriteFolded writes p in folded stack format: a "(null) N" line when
// there were empty samples, then one line per bucket with its frames
// outermost first joined by ';', a space and the count.
func (p *Profile) WriteFolded(w io.Writer) error {
	buckets := p.Buckets()
	for _, b := range buckets {
		if len(b.Stack) == 0 {
			return ErrEmptyStack
		}
	}

	bw := bufio.NewWriter(w)
	if p.Empty > 0 {
		fmt.Fprintf(bw, "%s %d\n", nullLabel, p.Empty)
	}
	for _, b := range buckets {
		fmt.Fprintf(bw, "%s %d\n", foldStack(b.Stack), b.Count)
	}
	return bw.Flush()
}

func foldStack(stack proc.Stack) string {
	var sb strings.Builder
	for i, f := range stack.Reverse() {
		if i > 0 {
			sb.WriteString(frameSep)
		}
		sb.WriteString(f.String())
	}
	return sb.String()
}

// WriteStack writes stack outermost first, one frame per line.
func WriteStack(w io.Writer, stack proc.Stack) error {
	bw := bufio.NewWriter(w)
	for _, f := range stack.Reverse() {
		fmt.Fprintln(bw, f.String())
	}
	return bw.Flush()
}

// ParseFoldedLine decodes one line written by WriteFolded. The returned
// stack is outermost first; it is nil for the "(null)" line.
func ParseFoldedLine(line string) (proc.Stack, int, error) {
	line = strings.TrimRight(line, "\r\n")
	sp := strings.LastIndexByte(line, ' ')
	if sp < 0 {
		return nil, 0, fmt.Errorf("malformed folded line %q: missing count", line)
	}
	count, err := strconv.Atoi(line[sp+1:])
	if err != nil || count <= 0 {
		return nil, 0, fmt.Errorf("malformed folded line %q: bad count", line)
	}
	frames := line[:sp]
	if frames == nullLabel {
		return nil, count, nil
	}
	if frames == "" {
		return nil, 0, fmt.Errorf("malformed folded line %q: no frames", line)
	}
	parts := strings.Split(frames, frameSep)
	stack := make(proc.Stack, 0, len(parts))
	for _, s := range parts {
		f, err := ParseFrame(s)
		if err != nil {
			return nil, 0, err
		}
		stack = append(stack, f)
	}
	return stack, count, nil
}

// ParseFrame decodes the file:function:line form produced by
// proc.Frame.String. The file name may itself contain colons.
func ParseFrame(s string) (proc.Frame, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return proc.Frame{}, fmt.Errorf("malformed frame %q", s)
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return proc.Frame{}, fmt.Errorf("malformed frame %q: bad line number", s)
	}
	j := strings.LastIndexByte(s[:i], ':')
	if j < 0 {
		return proc.Frame{}, fmt.Errorf("malformed frame %q", s)
	}
	return proc.Frame{File: s[:j], Function: s[j+1 : i], Line: line}, nil
}
