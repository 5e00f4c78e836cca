package sampler

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joaorafaelm/pystack/pkg/proc"
	"github.com/joaorafaelm/pystack/pkg/pyruntime"
)

type fakeController struct {
	attached  bool
	attaches  int
	detaches  int
	attachErr error
	detachErr error
	t         *testing.T
}

func (c *fakeController) Attach() error {
	if c.attachErr != nil {
		return c.attachErr
	}
	if c.attached {
		c.t.Fatalf("double attach")
	}
	c.attached = true
	c.attaches++
	return nil
}

func (c *fakeController) Detach() error {
	if !c.attached {
		c.t.Fatalf("detach while not attached")
	}
	c.attached = false
	c.detaches++
	return c.detachErr
}

func (c *fakeController) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, errors.New("not implemented")
}

type walkResult struct {
	stack proc.Stack
	err   error
}

// fakeWalker replays results, repeating the last one.
type fakeWalker struct {
	ctl     *fakeController
	results []walkResult
	calls   int

	// latency is added to clock on every walk.
	clock   *fakeClock
	latency time.Duration
}

func (w *fakeWalker) GetStack(addr uint64) (proc.Stack, error) {
	if !w.ctl.attached {
		w.ctl.t.Fatalf("walk while detached")
	}
	if addr != 0x1000 {
		w.ctl.t.Fatalf("walk from %#x", addr)
	}
	r := w.results[len(w.results)-1]
	if w.calls < len(w.results) {
		r = w.results[w.calls]
	}
	w.calls++
	if w.clock != nil {
		w.clock.now = w.clock.now.Add(w.latency)
	}
	return r.stack, r.err
}

type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps++
	c.now = c.now.Add(d)
}

type fixture struct {
	ctl     *fakeController
	walker  *fakeWalker
	clock   *fakeClock
	out     *bytes.Buffer
	locates int
	s       *Sampler
}

func newFixture(t *testing.T, cfg Config, results ...walkResult) *fixture {
	fx := &fixture{
		ctl:   &fakeController{t: t},
		clock: &fakeClock{now: time.Unix(1600000000, 0)},
		out:   new(bytes.Buffer),
	}
	fx.walker = &fakeWalker{ctl: fx.ctl, results: results, clock: fx.clock}
	cfg.Out = fx.out
	fx.s = New(fx.ctl, cfg)
	fx.s.now = fx.clock.Now
	fx.s.sleep = fx.clock.Sleep
	fx.s.locate = func(pid int, mem proc.MemoryReader) (*pyruntime.Runtime, error) {
		fx.locates++
		return &pyruntime.Runtime{ThreadStateAddr: 0x1000}, nil
	}
	fx.s.newWalker = func(mem proc.MemoryReader, rt *pyruntime.Runtime) (StackWalker, error) {
		return fx.walker, nil
	}
	return fx
}

var abc = proc.Stack{
	{File: "c.py", Function: "C", Line: 3},
	{File: "b.py", Function: "B", Line: 2},
	{File: "a.py", Function: "A", Line: 1},
}

func TestTrace(t *testing.T) {
	fx := newFixture(t, Config{Pid: 42}, walkResult{stack: abc})
	if err := fx.s.Run(); err != nil {
		t.Fatal(err)
	}
	want := "a.py:A:1\nb.py:B:2\nc.py:C:3\n"
	if got := fx.out.String(); got != want {
		t.Fatalf("output mismatch:\n%s\nwant:\n%s", got, want)
	}
	if fx.ctl.attaches != 1 || fx.ctl.detaches != 1 {
		t.Fatalf("attaches %d detaches %d", fx.ctl.attaches, fx.ctl.detaches)
	}
	if fx.clock.sleeps != 0 {
		t.Fatalf("single-shot mode slept")
	}
}

func TestTraceReversalRoundTrip(t *testing.T) {
	fx := newFixture(t, Config{}, walkResult{stack: abc})
	if err := fx.s.Trace(); err != nil {
		t.Fatal(err)
	}
	var got proc.Stack
	for _, l := range strings.Split(strings.TrimSpace(fx.out.String()), "\n") {
		f, err := ParseFrame(l)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, f)
	}
	if diff := cmp.Diff(abc, got.Reverse()); diff != "" {
		t.Fatalf("stack mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceEmptyStack(t *testing.T) {
	fx := newFixture(t, Config{}, walkResult{stack: proc.Stack{}})
	err := fx.s.Run()
	if !proc.IsNonFatal(err) {
		t.Fatalf("expected a NonFatal error, got %v", err)
	}
	if fx.out.Len() != 0 {
		t.Fatalf("unexpected output %q", fx.out.String())
	}
	if fx.ctl.attached || fx.ctl.detaches != 1 {
		t.Fatalf("target left attached")
	}
}

func TestTraceWalkErrors(t *testing.T) {
	for _, err := range []error{
		proc.WrapNonFatal("read", proc.ProcessExitedError{Pid: 42}),
		proc.Fatalf("stack deeper than 1024 frames"),
	} {
		fx := newFixture(t, Config{}, walkResult{err: err})
		if got := fx.s.Run(); proc.KindOf(got) != proc.KindOf(err) {
			t.Errorf("Run() = %v, want kind %v", got, proc.KindOf(err))
		}
		if fx.ctl.attached || fx.ctl.detaches != 1 {
			t.Errorf("target left attached after %v", err)
		}
		if fx.out.Len() != 0 {
			t.Errorf("unexpected output %q", fx.out.String())
		}
	}
}

func TestAttachFailure(t *testing.T) {
	fx := newFixture(t, Config{Duration: time.Second}, walkResult{stack: abc})
	fx.ctl.attachErr = proc.Fatalf("attach: no such process")
	if err := fx.s.Run(); !proc.IsFatal(err) {
		t.Fatalf("expected a Fatal error, got %v", err)
	}
	if fx.ctl.detaches != 0 || fx.locates != 0 {
		t.Fatalf("detach or locate after a failed attach")
	}
	if fx.out.Len() != 0 {
		t.Fatalf("partial output %q", fx.out.String())
	}
}

func TestDetachError(t *testing.T) {
	fx := newFixture(t, Config{}, walkResult{stack: abc})
	fx.ctl.detachErr = proc.Fatalf("detach failed")
	if _, err := fx.s.Capture(); !proc.IsFatal(err) {
		t.Fatalf("detach error lost: %v", err)
	}

	// A failed detach after a spoiled sample must stop the run rather
	// than be counted as one more empty sample.
	fx = newFixture(t, Config{Duration: time.Second},
		walkResult{err: proc.WrapNonFatal("read", proc.ErrUnmapped)})
	fx.ctl.detachErr = proc.Fatalf("detach failed")
	p, err := fx.s.Sample()
	if !proc.IsFatal(err) || p != nil {
		t.Fatalf("Sample() = %v, %v; want a fatal detach error", p, err)
	}
	if fx.ctl.attaches != 1 {
		t.Fatalf("sampling went on after a failed detach: %d attaches", fx.ctl.attaches)
	}

	// A fatal walk error is not hidden by a later detach error.
	fx = newFixture(t, Config{}, walkResult{err: proc.Fatalf("runtime gone")})
	fx.ctl.detachErr = proc.NonFatalf("detach hiccup")
	if _, err := fx.s.Capture(); err == nil || err.Error() != "runtime gone" {
		t.Fatalf("walk error replaced: %v", err)
	}
}

func TestLocateOnce(t *testing.T) {
	fx := newFixture(t, Config{Duration: 100 * time.Millisecond}, walkResult{stack: abc})
	if _, err := fx.s.Sample(); err != nil {
		t.Fatal(err)
	}
	if fx.locates != 1 {
		t.Fatalf("located %d times", fx.locates)
	}

	fx = newFixture(t, Config{}, walkResult{stack: abc})
	fx.s.locate = func(int, proc.MemoryReader) (*pyruntime.Runtime, error) {
		return nil, proc.Fatalf("no python interpreter found")
	}
	if err := fx.s.Run(); !proc.IsFatal(err) {
		t.Fatalf("expected a Fatal error, got %v", err)
	}
	if fx.ctl.attached {
		t.Fatalf("target left attached after a failed locate")
	}
}

func TestSampleAttempts(t *testing.T) {
	for _, tc := range []struct {
		duration, interval, latency time.Duration
		want                        int
	}{
		{50 * time.Millisecond, 10 * time.Millisecond, 0, 5},
		{50 * time.Millisecond, 10 * time.Millisecond, time.Millisecond, 5},
		{55 * time.Millisecond, 10 * time.Millisecond, 0, 6},
		{time.Second, 10 * time.Millisecond, 0, 100},
		{time.Second, 300 * time.Millisecond, 0, 4},
		{5 * time.Millisecond, 10 * time.Millisecond, 0, 1},
		{time.Millisecond, 10 * time.Millisecond, 3 * time.Millisecond, 1},
	} {
		fx := newFixture(t, Config{Duration: tc.duration, Interval: tc.interval}, walkResult{stack: abc})
		fx.walker.latency = tc.latency
		p, err := fx.s.Sample()
		if err != nil {
			t.Fatal(err)
		}
		if p.Attempts != tc.want {
			t.Errorf("%v/%v (+%v per capture): %d attempts, want %d", tc.duration, tc.interval, tc.latency, p.Attempts, tc.want)
		}
		ratio := float64(tc.duration) / float64(tc.interval)
		if p.Attempts > 1 && (float64(p.Attempts) > math.Ceil(ratio) || float64(p.Attempts) < math.Floor(ratio)) {
			t.Errorf("%v/%v: %d attempts outside [floor, ceil] of %v", tc.duration, tc.interval, p.Attempts, ratio)
		}
		if fx.ctl.attaches != p.Attempts || fx.ctl.detaches != p.Attempts {
			t.Errorf("%v/%v: %d attempts but %d attaches and %d detaches", tc.duration, tc.interval, p.Attempts, fx.ctl.attaches, fx.ctl.detaches)
		}
		if fx.clock.sleeps != p.Attempts-1 {
			t.Errorf("%v/%v: slept %d times for %d attempts", tc.duration, tc.interval, fx.clock.sleeps, p.Attempts)
		}
	}
}

func TestSampleShorterThanInterval(t *testing.T) {
	fx := newFixture(t, Config{Duration: 5 * time.Millisecond, Interval: 10 * time.Millisecond}, walkResult{stack: abc})
	if err := fx.s.Run(); err != nil {
		t.Fatal(err)
	}
	if got, want := fx.out.String(), "a.py:A:1;b.py:B:2;c.py:C:3 1\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSampleSingleStack(t *testing.T) {
	fx := newFixture(t, Config{Duration: 50 * time.Millisecond, Interval: 10 * time.Millisecond}, walkResult{stack: abc})
	if err := fx.s.Run(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(fx.out.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", fx.out.String())
	}
	stack, count, err := ParseFoldedLine(lines[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(abc.Reverse(), stack); diff != "" {
		t.Fatalf("stack mismatch (-want +got):\n%s", diff)
	}
	if count != 5 {
		t.Fatalf("count %d", count)
	}
	if !strings.HasPrefix(lines[0], "a.py:A:1;b.py:B:2;c.py:C:3 ") {
		t.Fatalf("bad folded line %q", lines[0])
	}
}

func TestSampleEmptyAndNonFatal(t *testing.T) {
	other := proc.Stack{{File: "d.py", Function: "D", Line: 9}}
	fx := newFixture(t, Config{Duration: time.Second, Interval: 10 * time.Millisecond},
		walkResult{stack: abc},
		walkResult{stack: proc.Stack{}},
		walkResult{err: proc.WrapNonFatal("read", proc.ErrUnmapped)},
		walkResult{stack: other},
		walkResult{stack: abc},
	)
	p, err := fx.s.Sample()
	if err != nil {
		t.Fatal(err)
	}
	total := p.Empty
	for _, b := range p.Buckets() {
		if len(b.Stack) == 0 {
			t.Fatalf("empty stack bucketed")
		}
		total += b.Count
	}
	if total != p.Attempts {
		t.Fatalf("empty %d + buckets != attempts %d", p.Empty, p.Attempts)
	}
	if p.Empty != 2 {
		t.Fatalf("empty count %d", p.Empty)
	}
	if len(p.Buckets()) != 2 {
		t.Fatalf("expected two buckets, got %d", len(p.Buckets()))
	}

	var buf bytes.Buffer
	if err := p.WriteFolded(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "(null) 2\n") {
		t.Fatalf("missing (null) line:\n%s", buf.String())
	}
}

func TestSampleFatalAborts(t *testing.T) {
	fx := newFixture(t, Config{Duration: time.Second, Interval: 10 * time.Millisecond},
		walkResult{stack: abc},
		walkResult{stack: abc},
		walkResult{err: proc.Fatalf("python runtime is gone")},
		walkResult{stack: abc},
	)
	err := fx.s.Run()
	if !proc.IsFatal(err) {
		t.Fatalf("expected a Fatal error, got %v", err)
	}
	if fx.out.Len() != 0 {
		t.Fatalf("partial output %q", fx.out.String())
	}
	if fx.walker.calls != 3 {
		t.Fatalf("walked %d times after a fatal error", fx.walker.calls)
	}
	if fx.ctl.attached || fx.ctl.attaches != fx.ctl.detaches {
		t.Fatalf("target left attached")
	}
}

func TestSampleUnclassifiedAborts(t *testing.T) {
	fx := newFixture(t, Config{Duration: time.Second}, walkResult{err: errors.New("boom")})
	if _, err := fx.s.Sample(); err == nil || proc.IsNonFatal(err) {
		t.Fatalf("unclassified error absorbed: %v", err)
	}
}
