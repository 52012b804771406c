package process

import (
	"go.uber.org/zap"

	"kernsim/pkg/klog"
	"kernsim/pkg/thread"
)

// Exit terminates p with the given exit code. It runs on p's thread and
// does not return.
func (k *Kernel) Exit(p *Process, t *thread.Thread, code int) {
	pid := p.Pid()

	as, files := p.detach()
	if as != nil {
		as.Deactivate()
		as.Destroy()
	}
	if files != nil {
		if err := files.Teardown(); err != nil {
			k.log.Warn("closing descriptors at exit", klog.Pid(pid), zap.Error(err))
		}
	}

	// Children no longer have anyone to collect them.
	k.procs.disown(pid)

	k.log.Debug("process exited", klog.Pid(pid), zap.Int("code", code),
		zap.Duration("lifetime", p.rec.Lifetime()))
	k.procs.exited(p.rec, code)

	t.Exit()
	panic("process: thread continued after exit")
}
