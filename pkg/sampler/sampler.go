package sampler

import (
	"io"
	"os"
	"time"

	"github.com/joaorafaelm/pystack/pkg/logflags"
	"github.com/joaorafaelm/pystack/pkg/proc"
	"github.com/joaorafaelm/pystack/pkg/pyruntime"
)

// DefaultInterval is the time between two samples.
const DefaultInterval = 10 * time.Millisecond

// Controller suspends and resumes the target and reads its memory while
// it is suspended. *native.Process implements it.
type Controller interface {
	proc.MemoryReader
	Attach() error
	Detach() error
}

// StackWalker reconstructs the stack from the thread state slot at addr.
// *pyruntime.Walker implements it.
type StackWalker interface {
	GetStack(addr uint64) (proc.Stack, error)
}

// LocateFunc finds the interpreter runtime of an attached target.
type LocateFunc func(pid int, mem proc.MemoryReader) (*pyruntime.Runtime, error)

// WalkerFunc builds a StackWalker for the runtime found by a LocateFunc.
type WalkerFunc func(mem proc.MemoryReader, rt *pyruntime.Runtime) (StackWalker, error)

// Config describes one run.
type Config struct {
	Pid int
	// Duration of the sampling run. Zero selects single-shot mode.
	Duration time.Duration
	// Interval between samples. Zero selects DefaultInterval.
	Interval time.Duration
	// Out receives the trace or the folded stacks. Defaults to os.Stdout.
	Out io.Writer

	Locate pyruntime.LocateOptions
	Walker pyruntime.WalkerConfig
}

// Sampler captures stacks of a single target.
type Sampler struct {
	cfg Config
	ctl Controller

	locate    LocateFunc
	newWalker WalkerFunc

	// rt and walker are resolved on the first capture and reused.
	rt     *pyruntime.Runtime
	walker StackWalker

	now   func() time.Time
	sleep func(time.Duration)

	log logflags.Logger
}

// New returns a Sampler capturing the target controlled by ctl.
func New(ctl Controller, cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	s := &Sampler{
		cfg:   cfg,
		ctl:   ctl,
		now:   time.Now,
		sleep: time.Sleep,
		log:   logflags.SamplerLogger().WithField("pid", cfg.Pid),
	}
	s.locate = func(pid int, mem proc.MemoryReader) (*pyruntime.Runtime, error) {
		return pyruntime.Locate(pid, mem, s.cfg.Locate)
	}
	s.newWalker = func(mem proc.MemoryReader, rt *pyruntime.Runtime) (StackWalker, error) {
		return pyruntime.NewWalker(mem, rt.Layout, s.cfg.Walker)
	}
	return s
}

// Run executes the configured mode and writes its output. Errors carry
// their proc.ErrorKind; nothing is written when a Fatal error aborts a
// sampling run.
func (s *Sampler) Run() error {
	if s.cfg.Duration <= 0 {
		return s.Trace()
	}
	p, err := s.Sample()
	if err != nil {
		return err
	}
	return p.WriteFolded(s.cfg.Out)
}

// Trace captures a single stack and prints it outermost first. An empty
// stack is reported as a NonFatal error.
func (s *Sampler) Trace() error {
	stack, err := s.Capture()
	if err != nil {
		return err
	}
	if len(stack) == 0 {
		return proc.NonFatalf("no active frame in process %d", s.cfg.Pid)
	}
	return WriteStack(s.cfg.Out, stack)
}

// Sample captures a stack every Interval and returns the aggregated
// profile. At least one capture is made; the run stops once the next
// cycle would reach the end of Duration. NonFatal failures and empty
// stacks are counted as empty samples; any other error aborts the run.
func (s *Sampler) Sample() (*Profile, error) {
	p := NewProfile()
	interval := s.cfg.Interval
	end := s.now().Add(s.cfg.Duration)
	for {
		stack, err := s.Capture()
		switch {
		case err == nil && len(stack) > 0:
			p.Add(stack)
		case err == nil || proc.IsNonFatal(err):
			if err != nil {
				s.log.Debugf("empty sample: %v", err)
			}
			p.AddEmpty()
		default:
			s.log.Debugf("sampling aborted after %d attempts: %v", p.Attempts, err)
			return nil, err
		}
		if !s.now().Add(interval).Before(end) {
			break
		}
		s.sleep(interval)
	}
	s.log.Debugf("%d attempts, %d empty, %d distinct stacks", p.Attempts, p.Empty, len(p.buckets))
	return p, nil
}

// Capture performs one attach, walk, detach cycle. The target is
// detached on every path once Attach succeeded.
func (s *Sampler) Capture() (stack proc.Stack, err error) {
	if err := s.ctl.Attach(); err != nil {
		return nil, err
	}
	defer func() {
		// A failed detach outranks a spoiled sample: the target may
		// still be stopped under our control.
		if derr := s.ctl.Detach(); derr != nil && !proc.IsFatal(err) {
			stack, err = nil, derr
		}
	}()

	if s.walker == nil {
		if err := s.resolve(); err != nil {
			return nil, err
		}
	}
	return s.walker.GetStack(s.rt.ThreadStateAddr)
}

func (s *Sampler) resolve() error {
	rt, err := s.locate(s.cfg.Pid, s.ctl)
	if err != nil {
		return err
	}
	w, err := s.newWalker(s.ctl, rt)
	if err != nil {
		return proc.WrapFatal("creating stack walker", err)
	}
	s.log.Debugf("python %v in %s, thread state slot %#x", rt.Version, rt.Path, rt.ThreadStateAddr)
	s.rt, s.walker = rt, w
	return nil
}
