package native

import (
	"runtime"
	"sync"

	"github.com/joaorafaelm/pystack/pkg/logflags"
	"github.com/joaorafaelm/pystack/pkg/proc"
)

var _ proc.MemoryReader = (*Process)(nil)

// Process controls a single target process through ptrace(2).
//
// A Process alternates strictly between detached and attached states;
// Attach on an attached Process and Detach on a detached one are
// refused rather than silently ignored.
type Process struct {
	pid int

	attached bool
	// wasStopped records that the target was already in job-control stop
	// before we attached, so that Detach does not wake it up.
	wasStopped bool
	// pendingSig is a signal that stopped the target instead of our
	// SIGSTOP while attaching; it is delivered again on detach.
	pendingSig int

	log logflags.Logger

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closeOnce      sync.Once
}

// New returns a Process for pid. Before returning it launches a goroutine
// that serializes every ptrace(2) request on a single OS thread. For more
// information, see the documentation on `handlePtraceFuncs`.
// The Process must be released with Close.
func New(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		log:            logflags.PtraceLogger().WithField("pid", pid),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process id of the target.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Attached reports whether the target is currently stopped under our
// control.
func (dbp *Process) Attached() bool {
	return dbp.attached
}

// Close detaches from the target if still attached and stops the ptrace
// goroutine.
func (dbp *Process) Close() error {
	var err error
	if dbp.attached {
		err = dbp.Detach()
	}
	dbp.closeOnce.Do(func() {
		close(dbp.ptraceChan)
	})
	return err
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}
