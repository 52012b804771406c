package process

import (
	"go.uber.org/zap"

	"kernsim/pkg/fdtable"
	"kernsim/pkg/klog"
	"kernsim/pkg/machine"
	"kernsim/pkg/thread"
)

// Fork creates a child of p running a copy of p's address space with the
// descriptor table shared slot by slot. The child resumes from tf with
// fork returning 0; the parent gets the child's pid. If anything fails,
// the partial child is taken apart again and p is unaffected.
func (k *Kernel) Fork(p *Process, tf *machine.Trapframe) (int32, error) {
	pid, err := k.fork(p, tf)
	k.metrics.Fork(err)
	if err != nil {
		k.log.Debug("fork failed", klog.Pid(p.Pid()), zap.Error(err))
		return 0, err
	}
	return pid, nil
}

func (k *Kernel) fork(p *Process, tf *machine.Trapframe) (int32, error) {
	// Reserving the record first makes the capacity check and the
	// registration a single step.
	rec, err := k.procs.Alloc(p.Pid())
	if err != nil {
		return 0, err
	}

	childTF := *tf

	as, err := p.AddrSpace().Copy()
	if err != nil {
		k.procs.abort(rec)
		return 0, err
	}

	files := fdtable.New(k.cfg.OpenMax, k.metrics)
	if err := p.Files().CloneInto(files); err != nil {
		as.Destroy()
		k.procs.abort(rec)
		return 0, err
	}

	child := &Process{
		rec:    rec,
		kernel: k,
		name:   p.Name(),
		as:     as,
		files:  files,
	}
	k.threads.Spawn(threadName(rec.Pid), func(t *thread.Thread) {
		child.attach(t)
		k.forkReturn(child, t, &childTF)
	})

	k.log.Debug("fork", klog.Pid(p.Pid()), zap.Int32("child", rec.Pid))
	return rec.Pid, nil
}

// forkReturn is the first thing a forked thread runs: it makes fork
// return 0 in the child and enters user mode.
func (k *Kernel) forkReturn(p *Process, t *thread.Thread, tf *machine.Trapframe) {
	tf.SetResult(0)
	tf.Advance()
	p.AddrSpace().Activate()
	k.enter(p, t, tf)
}
