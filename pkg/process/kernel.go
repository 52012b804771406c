package process

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kernsim/pkg/config"
	"kernsim/pkg/fdtable"
	"kernsim/pkg/klog"
	"kernsim/pkg/machine"
	"kernsim/pkg/metrics"
	"kernsim/pkg/thread"
	"kernsim/pkg/vfs"
	"kernsim/pkg/vm"
)

// KernelPid is the parent pid of processes started by Spawn. It is never
// handed to a process.
const KernelPid int32 = 0

// UserMode runs user code. Enter starts executing at tf.EPC with the
// registers in tf on behalf of p, and never returns: the thread leaves
// user mode only through system calls, and ends in Exit.
type UserMode interface {
	Enter(p *Process, t *thread.Thread, tf *machine.Trapframe)
}

// Options configures a Kernel.
type Options struct {
	Config    config.KernelConfig
	Namespace *vfs.Namespace
	UserMode  UserMode

	// Optional.
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Memory  *vm.Memory
}

// Kernel owns the process table and the collaborators that processes use.
type Kernel struct {
	cfg     config.KernelConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	procs   *Table
	ns      *vfs.Namespace
	mem     *vm.Memory
	threads *thread.System
	user    UserMode
}

// New creates a kernel.
func New(opts Options) (*Kernel, error) {
	if opts.Namespace == nil || opts.UserMode == nil {
		return nil, errors.New("process: namespace and user mode are required")
	}
	cfg := opts.Config
	if cfg.PidMin < 1 || cfg.PidMax < cfg.PidMin || cfg.MaxProcs < 1 || cfg.OpenMax <= fdtable.Stderr+1 {
		return nil, fmt.Errorf("process: invalid kernel limits %+v", cfg)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mem := opts.Memory
	if mem == nil {
		mem = vm.NewMemory(cfg.MemoryPages, opts.Metrics)
	}

	k := &Kernel{
		cfg:     cfg,
		log:     log,
		metrics: opts.Metrics,
		procs:   NewTable(cfg.PidMin, cfg.PidMax, cfg.MaxProcs, log, opts.Metrics),
		ns:      opts.Namespace,
		mem:     mem,
		threads: thread.NewSystem(log.Named("thread")),
		user:    opts.UserMode,
	}
	log.Info("kernel started",
		zap.Int32("pid_min", cfg.PidMin),
		zap.Int32("pid_max", cfg.PidMax),
		zap.Int("max_procs", cfg.MaxProcs),
		zap.Int("open_max", cfg.OpenMax),
		zap.Int("memory_pages", mem.Total()))
	return k, nil
}

// Table returns the process table.
func (k *Kernel) Table() *Table { return k.procs }

// Memory returns the frame pool.
func (k *Kernel) Memory() *vm.Memory { return k.mem }

// Namespace returns the file namespace.
func (k *Kernel) Namespace() *vfs.Namespace { return k.ns }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.log }

// Threads returns the thread system.
func (k *Kernel) Threads() *thread.System { return k.threads }

// Getpid returns the pid of p.
func (k *Kernel) Getpid(p *Process) int32 {
	return p.Pid()
}

// Spawn starts a new process running the program at path with args as its
// argument vector. The process gets fresh console descriptors and the
// kernel as its parent, so Wait collects it. Errors loading the image are
// returned here, before any thread starts.
func (k *Kernel) Spawn(path string, args []string) (int32, error) {
	rec, err := k.procs.Alloc(KernelPid)
	if err != nil {
		return 0, err
	}

	files := fdtable.New(k.cfg.OpenMax, k.metrics)
	if err := files.Init(k.ns, k.cfg.Console); err != nil {
		k.procs.abort(rec)
		return 0, err
	}

	img, err := k.prepare(path, args)
	if err != nil {
		k.metrics.Exec(err)
		k.procs.abort(rec)
		return 0, multierr.Append(err, files.Teardown())
	}

	p := &Process{rec: rec, kernel: k, files: files}
	k.log.Info("process spawned", klog.Pid(rec.Pid), zap.String("path", path), zap.Strings("args", args))

	k.threads.Spawn(threadName(rec.Pid), func(t *thread.Thread) {
		p.attach(t)
		p.execMu.Lock()
		k.install(p, t, img)
	})
	return rec.Pid, nil
}

// Wait blocks until pid, started by Spawn, exits and returns its exit code.
func (k *Kernel) Wait(pid int32) (int, error) {
	return k.procs.Wait(KernelPid, pid)
}

// Shutdown gives up the kernel's interest in processes it spawned, waits
// for every thread to finish and reports records that were never reaped.
func (k *Kernel) Shutdown() error {
	k.procs.disown(KernelPid)
	k.threads.Wait()

	var err error
	k.procs.Range(func(r *Record) bool {
		err = multierr.Append(err, fmt.Errorf("process %d leaked in state %s with %d references",
			r.Pid, r.State(), r.Refs()))
		return true
	})
	if err != nil {
		k.log.Error("records leaked at shutdown", zap.Error(err))
		return err
	}
	k.log.Info("kernel shut down", zap.Int("free_frames", k.mem.FreeFrames()))
	return nil
}

func threadName(pid int32) string {
	return fmt.Sprintf("pid %d", pid)
}

// enter transfers p's thread to user mode. It never returns.
func (k *Kernel) enter(p *Process, t *thread.Thread, tf *machine.Trapframe) {
	k.user.Enter(p, t, tf)
	panic(fmt.Sprintf("process %d: returned from user mode", p.Pid()))
}
