package sampler

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

func TestWriteFoldedRoundTrip(t *testing.T) {
	stacks := []proc.Stack{
		abc,
		{{File: "/srv/app/main.py", Function: "<module>", Line: 12}},
		{
			{File: "C:/weird:path.py", Function: "handler", Line: 0},
			{File: "/srv/app/main.py", Function: "<module>", Line: 12},
		},
	}
	p := NewProfile()
	want := map[string]int{}
	for i, s := range stacks {
		for n := 0; n <= i; n++ {
			p.Add(s)
			want[s.Reverse().Key()]++
		}
	}
	p.AddEmpty()
	p.AddEmpty()
	p.AddEmpty()

	var buf bytes.Buffer
	if err := p.WriteFolded(&buf); err != nil {
		t.Fatal(err)
	}

	got := map[string]int{}
	nulls := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		stack, count, err := ParseFoldedLine(sc.Text())
		if err != nil {
			t.Fatal(err)
		}
		if stack == nil {
			nulls += count
			continue
		}
		got[stack.Key()] += count
	}
	if nulls != 3 {
		t.Fatalf("(null) count %d", nulls)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("folded round trip mismatch (-want +got):\n%s", diff)
	}
	if p.Attempts != 9 {
		t.Fatalf("attempts %d", p.Attempts)
	}
}

func TestWriteFoldedNoNullLine(t *testing.T) {
	p := NewProfile()
	p.Add(abc)
	p.Add(abc)
	var buf bytes.Buffer
	if err := p.WriteFolded(&buf); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "a.py:A:1;b.py:B:2;c.py:C:3 2\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWriteFoldedEmptyStack(t *testing.T) {
	p := NewProfile()
	p.Add(abc)
	p.Add(proc.Stack{})
	var buf bytes.Buffer
	if err := p.WriteFolded(&buf); !errors.Is(err, ErrEmptyStack) {
		t.Fatalf("expected ErrEmptyStack, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("partial output %q", buf.String())
	}
}

func TestBucketsEquality(t *testing.T) {
	p := NewProfile()
	p.Add(proc.Stack{{File: "a.py", Function: "f", Line: 1}})
	p.Add(proc.Stack{{File: "a.py", Function: "f", Line: 2}})
	p.Add(proc.Stack{{File: "a.py", Function: "g", Line: 1}})
	p.Add(proc.Stack{{File: "a.py", Function: "f", Line: 1}})
	b := p.Buckets()
	if len(b) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(b))
	}
	if b[0].Count != 2 || b[0].Stack[0].Line != 1 || b[0].Stack[0].Function != "f" {
		t.Fatalf("unexpected first bucket %+v", b[0])
	}
}

func TestParseFoldedLineErrors(t *testing.T) {
	for _, l := range []string{
		"",
		"a.py:A:1",
		"a.py:A:1 x",
		"a.py:A:1 0",
		" 3",
		"a.py:A 3",
		"a.py:A:x 3",
		"a.py:A:1;;b.py:B:2 3",
	} {
		if _, _, err := ParseFoldedLine(l); err == nil {
			t.Errorf("ParseFoldedLine(%q) succeeded", l)
		}
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame("/a:b/c.py:run:17")
	if err != nil {
		t.Fatal(err)
	}
	if want := (proc.Frame{File: "/a:b/c.py", Function: "run", Line: 17}); f != want {
		t.Fatalf("got %+v want %+v", f, want)
	}
	if f.String() != "/a:b/c.py:run:17" {
		t.Fatalf("String() = %q", f.String())
	}
}
