package process

import (
	"fmt"

	"go.uber.org/zap"

	"kernsim/pkg/errno"
	"kernsim/pkg/klog"
	"kernsim/pkg/machine"
)

var (
	errBadOptions = fmt.Errorf("process: waitpid: unsupported options: %w", errno.EINVAL)
	errBadStatus  = fmt.Errorf("process: waitpid: bad status pointer: %w", errno.EFAULT)
)

// Waitpid waits for the child pid of p to exit, stores its encoded status
// at the user address ustatus and returns pid. The checks run in order:
// options, status pointer, pid, parenthood.
func (k *Kernel) Waitpid(p *Process, pid int32, ustatus uint32, options int) (int32, error) {
	if options != 0 {
		return 0, errBadOptions
	}
	as := p.AddrSpace()
	if ustatus == 0 || ustatus%4 != 0 || !as.ValidRange(ustatus, 4) {
		return 0, errBadStatus
	}
	// Collecting the status is final, so the word it goes to must be
	// writable before the wait.
	if err := as.Prefault(ustatus, 4); err != nil {
		return 0, err
	}

	code, err := k.procs.Wait(p.Pid(), pid)
	if err != nil {
		return 0, err
	}
	k.log.Debug("child collected", klog.Pid(p.Pid()), zap.Int32("child", pid), zap.Int("code", code))

	if err := as.CopyOutWord(ustatus, uint32(machine.MkWaitExit(code))); err != nil {
		return 0, err
	}
	return pid, nil
}
