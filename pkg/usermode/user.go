package usermode

import (
	"encoding/binary"
	"fmt"

	"kernsim/pkg/errno"
	"kernsim/pkg/fdtable"
	"kernsim/pkg/machine"
	"kernsim/pkg/process"
	"kernsim/pkg/syscalls"
	"kernsim/pkg/thread"
)

// User is the view a running program has of the machine: its registers
// and its stack. A User belongs to a single program thread.
type User struct {
	rt   *Runtime
	p    *process.Process
	t    *thread.Thread
	tf   machine.Trapframe
	args []string
}

// Args returns the argument vector the program was started with.
func (u *User) Args() []string { return u.args }

// Process returns the kernel's process structure. It is meant for tests
// that inspect kernel state from inside a program.
func (u *User) Process() *process.Process { return u.p }

// Syscall traps into the kernel with the given call number and arguments
// and returns v0, or the error number when a3 is set.
func (u *User) Syscall(call uint32, args ...uint32) (uint32, error) {
	if len(args) > 4 {
		panic("usermode: more than four syscall arguments")
	}
	u.tf.V0 = call
	regs := [4]*uint32{&u.tf.A0, &u.tf.A1, &u.tf.A2, &u.tf.A3}
	for i, r := range regs {
		*r = 0
		if i < len(args) {
			*r = args[i]
		}
	}

	syscalls.Dispatch(u.p.Kernel(), u.p, u.t, &u.tf)

	if u.tf.A3 != 0 {
		return 0, errno.Errno(u.tf.V0)
	}
	return u.tf.V0, nil
}

// Mark returns the current stack pointer, for Release.
func (u *User) Mark() uint32 { return u.tf.SP }

// Release pops everything pushed since Mark returned sp.
func (u *User) Release(sp uint32) { u.tf.SP = sp }

// Alloc reserves n bytes on the user stack and returns their address.
func (u *User) Alloc(n int) uint32 {
	u.tf.SP -= uint32((n + 3) &^ 3)
	return u.tf.SP
}

// Push copies b onto the user stack and returns its address, or 0 when it
// does not fit; the kernel then sees a null pointer.
func (u *User) Push(b []byte) uint32 {
	addr := u.Alloc(len(b))
	if err := u.p.AddrSpace().CopyOut(addr, b); err != nil {
		return 0
	}
	return addr
}

// PushString pushes s with its NUL terminator.
func (u *User) PushString(s string) uint32 {
	return u.Push(append([]byte(s), 0))
}

// Peek reads n bytes of the program's memory.
func (u *User) Peek(addr uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := u.p.AddrSpace().CopyIn(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// Fork creates a child process. The child runs child and exits with its
// return value; the parent gets the child's pid.
func (u *User) Fork(child Program) (int32, error) {
	pc := u.rt.allocPC()
	resume := pc + machine.InstructionSize
	u.rt.continueAt(resume, child, u.args)

	u.tf.EPC = pc
	pid, err := u.Syscall(machine.SysFork)
	if err != nil {
		u.rt.conts.Delete(resume)
		return 0, err
	}
	return int32(pid), nil
}

// Execv replaces the program with the one at path. It returns only on
// failure.
func (u *User) Execv(path string, args []string) error {
	mark := u.Mark()
	defer u.Release(mark)

	upath := u.PushString(path)
	ptrs := make([]byte, 4*(len(args)+1))
	for i, a := range args {
		binary.BigEndian.PutUint32(ptrs[4*i:], u.PushString(a))
	}
	uargv := u.Push(ptrs)

	_, err := u.Syscall(machine.SysExecv, upath, uargv)
	return err
}

// Exit terminates the process. It does not return.
func (u *User) Exit(code int) {
	u.Syscall(machine.SysExit, uint32(code))
	panic("usermode: returned from _exit")
}

// Getpid returns the process id.
func (u *User) Getpid() int32 {
	pid, _ := u.Syscall(machine.SysGetpid)
	return int32(pid)
}

// Waitpid waits for pid and returns its encoded status.
func (u *User) Waitpid(pid int32) (int32, error) {
	mark := u.Mark()
	defer u.Release(mark)

	status := u.Alloc(4)
	if _, err := u.Syscall(machine.SysWaitpid, uint32(pid), status, 0); err != nil {
		return 0, err
	}
	b, err := u.Peek(status, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Open opens path and returns the descriptor.
func (u *User) Open(path string, flags int) (int, error) {
	mark := u.Mark()
	defer u.Release(mark)

	fd, err := u.Syscall(machine.SysOpen, u.PushString(path), uint32(flags), 0o664)
	return int(int32(fd)), err
}

// Close closes fd.
func (u *User) Close(fd int) error {
	_, err := u.Syscall(machine.SysClose, uint32(fd))
	return err
}

// Read reads up to n bytes from fd.
func (u *User) Read(fd, n int) ([]byte, error) {
	mark := u.Mark()
	defer u.Release(mark)

	buf := u.Alloc(n)
	got, err := u.Syscall(machine.SysRead, uint32(fd), buf, uint32(n))
	if err != nil {
		return nil, err
	}
	return u.Peek(buf, int(got))
}

// Write writes b to fd.
func (u *User) Write(fd int, b []byte) (int, error) {
	mark := u.Mark()
	defer u.Release(mark)

	n, err := u.Syscall(machine.SysWrite, uint32(fd), u.Push(b), uint32(len(b)))
	return int(n), err
}

// Printf writes formatted output to standard output.
func (u *User) Printf(format string, args ...any) {
	u.Write(fdtable.Stdout, []byte(fmt.Sprintf(format, args...)))
}

// readArgs decodes the argument vector left on the stack by exec.
func (u *User) readArgs(argc int, argv uint32) []string {
	as := u.p.AddrSpace()
	args := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		ptr, err := as.CopyInWord(argv + uint32(4*i))
		if err != nil {
			break
		}
		s, err := as.CopyInStr(ptr, process.ArgMax)
		if err != nil {
			break
		}
		args = append(args, s)
	}
	return args
}

