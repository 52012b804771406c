// Package usermode runs user programs written in Go on the simulated
// machine.
//
// A program is registered under a name and receives its own entry address.
// The executable image built for it is an ordinary MIPS ELF file whose
// entry point is that address, so the kernel loads and starts it like any
// other binary; when the kernel enters user mode at the address, the
// runtime runs the Go function. Programs reach the kernel only through
// system calls made with a trapframe, and all the memory they pass to the
// kernel lives on their user stack.
package usermode

import (
	"debug/elf"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"kernsim/pkg/klog"
	"kernsim/pkg/loader"
	"kernsim/pkg/machine"
	"kernsim/pkg/process"
	"kernsim/pkg/thread"
	"kernsim/pkg/vfs"
	"kernsim/pkg/vm"
)

// Program is the body of a user program. Its return value is passed to
// _exit.
type Program func(u *User) int

// ExitFault is the exit code of a process that jumped to an address with
// no code behind it.
const ExitFault = 255

const (
	textBase = 0x00400000
	// Fork continuations get addresses in a range no image maps.
	contBase = 0x10000000
)

type program struct {
	name string
	run  Program
}

type continuation struct {
	run  Program
	args []string
}

// Runtime implements process.UserMode.
type Runtime struct {
	log       *zap.Logger
	programs  *xsync.Map[uint32, program]
	names     *xsync.Map[string, uint32]
	conts     *xsync.Map[uint32, continuation]
	nextEntry atomic.Uint32
	nextPC    atomic.Uint32
}

// New creates an empty runtime.
func New(log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &Runtime{
		log:      log,
		programs: xsync.NewMap[uint32, program](),
		names:    xsync.NewMap[string, uint32](),
		conts:    xsync.NewMap[uint32, continuation](),
	}
	rt.nextEntry.Store(textBase)
	rt.nextPC.Store(contBase)
	return rt
}

// Register adds a program under name and returns its entry address.
// Registering a name twice replaces nothing and returns an error.
func (rt *Runtime) Register(name string, prog Program) (uint32, error) {
	entry, loaded := rt.names.LoadOrCompute(name, func() (uint32, bool) {
		return rt.nextEntry.Add(vm.PageSize) - vm.PageSize, false
	})
	if loaded {
		return 0, fmt.Errorf("usermode: program %q already registered", name)
	}
	rt.programs.Store(entry, program{name: name, run: prog})
	return entry, nil
}

// Entry returns the entry address of a registered program.
func (rt *Runtime) Entry(name string) (uint32, bool) {
	return rt.names.Load(name)
}

// Names returns the registered program names in order.
func (rt *Runtime) Names() []string {
	var names []string
	rt.names.Range(func(name string, _ uint32) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Image returns the executable image of a registered program.
func (rt *Runtime) Image(name string) ([]byte, error) {
	entry, ok := rt.names.Load(name)
	if !ok {
		return nil, fmt.Errorf("usermode: no program %q", name)
	}
	text := append([]byte(name), 0)
	return loader.BuildImage(entry, loader.Segment{
		Vaddr: entry,
		Data:  text,
		Flags: elf.PF_R | elf.PF_X,
	}), nil
}

// Install writes the image of every registered program into dir on fs.
func (rt *Runtime) Install(fs vfs.FileSystem, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range rt.Names() {
		img, err := rt.Image(name)
		if err != nil {
			return err
		}
		if err := fs.WriteFile(path.Join(dir, name), img, os.FileMode(0o755)); err != nil {
			return fmt.Errorf("usermode: install %s: %w", name, err)
		}
	}
	return nil
}

// Enter implements process.UserMode.
func (rt *Runtime) Enter(p *process.Process, t *thread.Thread, tf *machine.Trapframe) {
	u := &User{rt: rt, p: p, t: t, tf: *tf}

	if c, ok := rt.conts.LoadAndDelete(tf.EPC); ok {
		u.args = c.args
		u.Exit(c.run(u))
	}
	if prog, ok := rt.programs.Load(tf.EPC); ok {
		u.args = u.readArgs(int(tf.A0), tf.A1)
		u.Exit(prog.run(u))
	}

	rt.log.Warn("no code at program counter", klog.Pid(p.Pid()), zap.Uint32("epc", tf.EPC))
	u.Exit(ExitFault)
}

// continueAt registers run to be entered at pc.
func (rt *Runtime) continueAt(pc uint32, run Program, args []string) {
	rt.conts.Store(pc, continuation{run: run, args: args})
}

func (rt *Runtime) allocPC() uint32 {
	return rt.nextPC.Add(2*machine.InstructionSize) - 2*machine.InstructionSize
}
