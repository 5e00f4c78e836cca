package native

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uint64, data []byte) (int, error) {
	localIov := []sys.Iovec{{Base: &data[0]}}
	localIov[0].SetLen(len(data))
	remoteIov := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	return sys.ProcessVMReadv(tid, localIov, remoteIov, 0)
}

// ptracePeekData reads data through PTRACE_PEEKDATA, one word at a time.
// It is only used when process_vm_readv is unavailable and must run on
// the ptrace thread.
func ptracePeekData(tid int, addr uint64, data []byte) (int, error) {
	return sys.PtracePeekData(tid, uintptr(addr), data)
}
