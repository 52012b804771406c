// Package syscalls decodes system calls from a trapframe and dispatches
// them to the kernel.
//
// The register convention is the MIPS one: the call number arrives in v0
// and the arguments in a0-a3. On return v0 holds the result and a3 is 0,
// or v0 holds the error number and a3 is 1. The program counter is moved
// past the syscall instruction either way.
package syscalls

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"kernsim/pkg/errno"
	"kernsim/pkg/klog"
	"kernsim/pkg/machine"
	"kernsim/pkg/process"
	"kernsim/pkg/thread"
)

// ErrUnknown is returned for call numbers the kernel does not implement.
var ErrUnknown = fmt.Errorf("syscalls: unknown call: %w", errno.ENOSYS)

// Name returns a printable name for call number n.
func Name(n uint32) string {
	switch n {
	case machine.SysFork:
		return "fork"
	case machine.SysExecv:
		return "execv"
	case machine.SysExit:
		return "_exit"
	case machine.SysWaitpid:
		return "waitpid"
	case machine.SysGetpid:
		return "getpid"
	case machine.SysOpen:
		return "open"
	case machine.SysClose:
		return "close"
	case machine.SysRead:
		return "read"
	case machine.SysWrite:
		return "write"
	}
	return fmt.Sprintf("syscall %d", n)
}

// Dispatch performs the system call described by tf on behalf of p, which
// runs on thread t, and stores the result in tf. _exit and a successful
// execv do not return.
func Dispatch(k *process.Kernel, p *process.Process, t *thread.Thread, tf *machine.Trapframe) {
	if k == nil || p == nil {
		panic("syscalls: dispatch without a process")
	}

	call := tf.V0
	var (
		ret int64
		err error
	)

	switch call {
	case machine.SysFork:
		var pid int32
		pid, err = k.Fork(p, tf)
		ret = int64(pid)

	case machine.SysExecv:
		err = k.Execv(p, t, tf.A0, tf.A1)

	case machine.SysExit:
		k.Exit(p, t, int(int32(tf.A0)))

	case machine.SysWaitpid:
		var pid int32
		pid, err = k.Waitpid(p, int32(tf.A0), tf.A1, int(int32(tf.A2)))
		ret = int64(pid)

	case machine.SysGetpid:
		ret = int64(k.Getpid(p))

	case machine.SysOpen:
		var fd int
		fd, err = k.Open(p, tf.A0, int(tf.A1), os.FileMode(tf.A2))
		ret = int64(fd)

	case machine.SysClose:
		err = k.Close(p, int(int32(tf.A0)))

	case machine.SysRead:
		var n int
		n, err = k.Read(p, int(int32(tf.A0)), tf.A1, int(int32(tf.A2)))
		ret = int64(n)

	case machine.SysWrite:
		var n int
		n, err = k.Write(p, int(int32(tf.A0)), tf.A1, int(int32(tf.A2)))
		ret = int64(n)

	default:
		err = ErrUnknown
	}

	if err != nil {
		code := errno.From(err)
		tf.SetError(uint32(code))
		log := k.Logger()
		if code == errno.EFAULT || code == errno.ENOSYS {
			log.Warn("syscall failed", klog.Pid(p.Pid()), zap.String("call", Name(call)), zap.Error(err))
		} else {
			log.Debug("syscall failed", klog.Pid(p.Pid()), zap.String("call", Name(call)), zap.Error(err))
		}
	} else {
		tf.SetResult(uint32(ret))
	}
	tf.Advance()
}
