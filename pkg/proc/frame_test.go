package proc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testStack = Stack{
	{File: "c.py", Function: "inner", Line: 30},
	{File: "b.py", Function: "middle", Line: 20},
	{File: "a.py", Function: "<module>", Line: 10},
}

func TestFrameString(t *testing.T) {
	f := Frame{File: "/usr/lib/python3.8/threading.py", Function: "wait", Line: 302}
	if s := f.String(); s != "/usr/lib/python3.8/threading.py:wait:302" {
		t.Fatalf("unexpected frame string %q", s)
	}
}

func TestStackReverseRoundTrip(t *testing.T) {
	rev := testStack.Reverse()
	if rev[0].File != "a.py" || rev[2].File != "c.py" {
		t.Fatalf("reverse did not put the outermost frame first: %v", rev)
	}
	if diff := cmp.Diff(testStack, rev.Reverse()); diff != "" {
		t.Fatalf("reversing twice changed the stack (-want +got):\n%s", diff)
	}
	if testStack[0].File != "c.py" {
		t.Fatalf("Reverse modified its receiver")
	}
}

func TestStackEqualAndKey(t *testing.T) {
	same := append(Stack(nil), testStack...)
	if !testStack.Equal(same) || testStack.Key() != same.Key() {
		t.Fatalf("identical stacks compare unequal")
	}

	for _, tc := range []struct {
		name string
		mod  func(Stack) Stack
	}{
		{"line", func(s Stack) Stack { s[1].Line++; return s }},
		{"function", func(s Stack) Stack { s[1].Function = "other"; return s }},
		{"file", func(s Stack) Stack { s[2].File = "z.py"; return s }},
		{"shorter", func(s Stack) Stack { return s[:2] }},
		{"order", func(s Stack) Stack { s[0], s[1] = s[1], s[0]; return s }},
	} {
		other := tc.mod(append(Stack(nil), testStack...))
		if testStack.Equal(other) {
			t.Errorf("%s: stacks should differ", tc.name)
		}
		if testStack.Key() == other.Key() {
			t.Errorf("%s: keys should differ", tc.name)
		}
	}
}

func TestStackKeyNoSeparatorCollision(t *testing.T) {
	a := Stack{{File: "a:b", Function: "c", Line: 1}}
	b := Stack{{File: "a", Function: "b:c", Line: 1}}
	if a.Key() == b.Key() {
		t.Fatalf("keys collide for %v and %v", a, b)
	}
}
