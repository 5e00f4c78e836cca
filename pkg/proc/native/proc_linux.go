package native

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/joaorafaelm/pystack/pkg/proc"
)

// statusStopped is the /proc/<pid>/stat state of a process in job
// control stop.
const statusStopped = 'T'

// Attach stops the target with PTRACE_ATTACH and waits until it is
// stopped. Failures are Fatal: a process that does not exist, that we
// may not trace or that is already traced will not become traceable by
// retrying.
func (dbp *Process) Attach() error {
	if dbp.attached {
		return proc.Fatalf("process %d is already attached", dbp.pid)
	}
	if !Exists(dbp.pid) {
		return proc.Fatalf("failed to attach to process %d: no such process", dbp.pid)
	}
	dbp.wasStopped = status(dbp.pid) == statusStopped

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		switch {
		case errors.Is(err, sys.ESRCH):
			return proc.Fatalf("failed to attach to process %d: no such process", dbp.pid)
		case errors.Is(err, sys.EPERM):
			return proc.Fatalf("failed to attach to process %d: operation not permitted (is it already being traced, or is ptrace restricted by /proc/sys/kernel/yama/ptrace_scope?)", dbp.pid)
		}
		return proc.WrapFatal(fmt.Sprintf("failed to attach to process %d", dbp.pid), err)
	}
	dbp.attached = true

	if err := dbp.waitStop(); err != nil {
		if dbp.attached {
			_ = dbp.Detach()
		}
		return err
	}
	dbp.log.Debugf("attached")
	return nil
}

// waitStop waits for the stop that follows PTRACE_ATTACH. A signal other
// than SIGSTOP that arrives first is remembered so that Detach can
// deliver it.
func (dbp *Process) waitStop() error {
	for {
		var s sys.WaitStatus
		var err error
		dbp.execPtraceFunc(func() { _, err = sys.Wait4(dbp.pid, &s, sys.WALL, nil) })
		if err != nil {
			if errors.Is(err, sys.EINTR) {
				continue
			}
			return proc.WrapFatal(fmt.Sprintf("waiting for process %d", dbp.pid), err)
		}
		switch {
		case s.Exited() || s.Signaled():
			dbp.attached = false
			return proc.WrapFatal("attach", proc.ProcessExitedError{Pid: dbp.pid})
		case s.Stopped():
			if sig := s.StopSignal(); sig != sys.SIGSTOP {
				dbp.log.Debugf("stopped by %v while attaching", sig)
				dbp.pendingSig = int(sig)
			}
			return nil
		}
	}
}

// Detach releases the target with PTRACE_DETACH, letting it run again.
func (dbp *Process) Detach() error {
	if !dbp.attached {
		return proc.Fatalf("process %d is not attached", dbp.pid)
	}
	var err error
	sig := dbp.pendingSig
	dbp.execPtraceFunc(func() { err = ptraceDetach(dbp.pid, sig) })
	dbp.attached = false
	dbp.pendingSig = 0
	if err != nil {
		if errors.Is(err, sys.ESRCH) {
			// The target died while stopped; there is nothing left to resume.
			dbp.log.Debugf("target exited before detach")
			return nil
		}
		return proc.WrapFatal(fmt.Sprintf("failed to detach from process %d", dbp.pid), err)
	}
	// The process will sometimes be left in stopped state after a
	// detach; SIGCONT it unless it was stopped before we attached.
	if !dbp.wasStopped && status(dbp.pid) == statusStopped {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	dbp.log.Debugf("detached")
	return nil
}

// ReadMemory reads len(buf) bytes of target memory at addr.
func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(dbp.pid, addr, buf)
	if errors.Is(err, sys.ENOSYS) || errors.Is(err, sys.EPERM) {
		dbp.execPtraceFunc(func() { n, err = ptracePeekData(dbp.pid, addr, buf) })
	}
	if err != nil {
		return n, dbp.readError(addr, err)
	}
	return n, nil
}

func (dbp *Process) readError(addr uint64, err error) error {
	switch {
	case errors.Is(err, sys.ESRCH):
		return proc.ProcessExitedError{Pid: dbp.pid}
	case errors.Is(err, sys.EFAULT), errors.Is(err, sys.EIO):
		return fmt.Errorf("%#x: %w", addr, proc.ErrUnmapped)
	}
	return fmt.Errorf("read %#x: %w", addr, err)
}

// Exists reports whether a process with the given pid exists.
func Exists(pid int) bool {
	err := sys.Kill(pid, 0)
	return err == nil || errors.Is(err, sys.EPERM)
}

// status returns the state character of pid from /proc/<pid>/stat, or 0
// if it can not be read.
func status(pid int) rune {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0
	}
	st, err := p.Stat()
	if err != nil || st.State == "" {
		return 0
	}
	return rune(st.State[0])
}
