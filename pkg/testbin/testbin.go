// Package testbin contains the user programs installed in /bin. They
// exercise the system calls the way the classic kernel test programs do
// and report on standard output.
package testbin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kernsim/pkg/errno"
	"kernsim/pkg/fdtable"
	"kernsim/pkg/machine"
	"kernsim/pkg/usermode"
	"kernsim/pkg/vfs"
)

// Programs maps program names to their code.
var Programs = map[string]usermode.Program{
	"true":         func(*usermode.User) int { return 0 },
	"false":        func(*usermode.User) int { return 1 },
	"hello":        hello,
	"argecho":      argecho,
	"exit":         exit,
	"cat":          cat,
	"write":        write,
	"append":       appendFile,
	"forktest":     forktest,
	"sharedoffset": sharedoffset,
	"waitbad":      waitbad,
	"execchain":    execchain,
	"badcall":      badcall,
	"orphan":       orphan,
}

// Register adds every program to rt.
func Register(rt *usermode.Runtime) error {
	for name, prog := range Programs {
		if _, err := rt.Register(name, prog); err != nil {
			return err
		}
	}
	return nil
}

func hello(u *usermode.User) int {
	u.Printf("hello, world\n")
	return 0
}

// argecho prints its arguments, one per line, and exits with their count.
func argecho(u *usermode.User) int {
	for i, a := range u.Args() {
		u.Printf("argv[%d] = %s\n", i, a)
	}
	return len(u.Args())
}

// exit exits with the code given as its first argument.
func exit(u *usermode.User) int {
	args := u.Args()
	if len(args) < 2 {
		return 0
	}
	code, err := strconv.Atoi(args[1])
	if err != nil {
		u.Printf("exit: %v\n", err)
		return 1
	}
	return code
}

// cat copies each named file to standard output.
func cat(u *usermode.User) int {
	for _, name := range u.Args()[1:] {
		fd, err := u.Open(name, vfs.O_RDONLY)
		if err != nil {
			u.Printf("cat: %s: %v\n", name, err)
			return 1
		}
		for {
			b, err := u.Read(fd, 512)
			if err != nil {
				u.Printf("cat: %s: %v\n", name, err)
				return 1
			}
			if len(b) == 0 {
				break
			}
			u.Write(fdtable.Stdout, b)
		}
		u.Close(fd)
	}
	return 0
}

// write replaces the file named by the first argument with the rest of the
// arguments joined by spaces.
func write(u *usermode.User) int {
	return writeFile(u, vfs.O_WRONLY|vfs.O_CREAT|vfs.O_TRUNC)
}

// appendFile is write without truncation, appending to the end.
func appendFile(u *usermode.User) int {
	return writeFile(u, vfs.O_WRONLY|vfs.O_CREAT|vfs.O_APPEND)
}

func writeFile(u *usermode.User, flags int) int {
	args := u.Args()
	if len(args) < 2 {
		u.Printf("usage: %s file [words...]\n", args[0])
		return 1
	}
	fd, err := u.Open(args[1], flags)
	if err != nil {
		u.Printf("%s: %s: %v\n", args[0], args[1], err)
		return 1
	}
	defer u.Close(fd)
	if _, err := u.Write(fd, []byte(strings.Join(args[2:], " "))); err != nil {
		u.Printf("%s: %v\n", args[0], err)
		return 1
	}
	return 0
}

// forktest forks children that exit with distinct codes and checks that
// each code comes back through waitpid.
func forktest(u *usermode.User) int {
	n := 8
	if args := u.Args(); len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil {
			n = v
		}
	}

	pids := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		code := i + 1
		pid, err := u.Fork(func(*usermode.User) int { return code })
		if err != nil {
			u.Printf("forktest: fork %d: %v\n", i, err)
			return 1
		}
		pids = append(pids, pid)
	}

	failed := 0
	for i, pid := range pids {
		status, err := u.Waitpid(pid)
		switch {
		case err != nil:
			u.Printf("forktest: waitpid %d: %v\n", pid, err)
			failed++
		case machine.WExitStatus(status) != i+1:
			u.Printf("forktest: pid %d exited %d, want %d\n", pid, machine.WExitStatus(status), i+1)
			failed++
		}
	}
	if failed > 0 {
		return 1
	}
	u.Printf("forktest: %d children ok\n", n)
	return 0
}

// sharedoffset checks that a descriptor inherited across fork shares its
// offset: the child reads first, then the parent continues where the
// child stopped.
func sharedoffset(u *usermode.User) int {
	path := "/testfile"
	if args := u.Args(); len(args) > 1 {
		path = args[1]
	}
	fd, err := u.Open(path, vfs.O_RDONLY)
	if err != nil {
		u.Printf("sharedoffset: %s: %v\n", path, err)
		return 1
	}

	pid, err := u.Fork(func(c *usermode.User) int {
		b, err := c.Read(fd, 4)
		if err != nil {
			return 1
		}
		c.Printf("child read %q\n", b)
		return 0
	})
	if err != nil {
		u.Printf("sharedoffset: fork: %v\n", err)
		return 1
	}
	if status, err := u.Waitpid(pid); err != nil || machine.WExitStatus(status) != 0 {
		u.Printf("sharedoffset: child failed: %v\n", err)
		return 1
	}

	b, err := u.Read(fd, 4)
	if err != nil {
		u.Printf("sharedoffset: read: %v\n", err)
		return 1
	}
	u.Printf("parent read %q\n", b)
	return 0
}

// waitbad makes the invalid waitpid calls and checks each error.
func waitbad(u *usermode.User) int {
	pid, err := u.Fork(func(*usermode.User) int { return 0 })
	if err != nil {
		u.Printf("waitbad: fork: %v\n", err)
		return 1
	}

	status := u.Alloc(4)
	checks := []struct {
		name string
		args []uint32
		want errno.Errno
	}{
		{"bad options", []uint32{uint32(pid), status, 0x1000}, errno.EINVAL},
		{"null status", []uint32{uint32(pid), 0, 0}, errno.EFAULT},
		{"unaligned status", []uint32{uint32(pid), status + 1, 0}, errno.EFAULT},
		{"kernel status", []uint32{uint32(pid), 0x80000000, 0}, errno.EFAULT},
		{"negative pid", []uint32{uint32(0xfffffffb), status, 0}, errno.ESRCH},
		{"unused pid", []uint32{32000, status, 0}, errno.ESRCH},
		{"self", []uint32{uint32(u.Getpid()), status, 0}, errno.ECHILD},
	}

	failed := 0
	for _, c := range checks {
		_, err := u.Syscall(machine.SysWaitpid, c.args...)
		if !errors.Is(err, c.want) {
			u.Printf("waitbad: %s: got %v, want %v\n", c.name, err, c.want)
			failed++
		}
	}

	if _, err := u.Waitpid(pid); err != nil {
		u.Printf("waitbad: waitpid: %v\n", err)
		failed++
	}
	if _, err := u.Waitpid(pid); !errors.Is(err, errno.ESRCH) {
		u.Printf("waitbad: second waitpid: got %v, want %v\n", err, errno.ESRCH)
		failed++
	}

	if failed == 0 {
		u.Printf("waitbad: ok\n")
	}
	return failed
}

// execchain replaces itself with argecho, passing its own arguments on.
func execchain(u *usermode.User) int {
	args := append([]string{"argecho"}, u.Args()[1:]...)
	err := u.Execv("/bin/argecho", args)
	u.Printf("execchain: %v\n", err)
	return 1
}

// badcall makes a system call that does not exist.
func badcall(u *usermode.User) int {
	_, err := u.Syscall(999)
	if !errors.Is(err, errno.ENOSYS) {
		u.Printf("badcall: got %v, want %v\n", err, errno.ENOSYS)
		return 1
	}
	return 0
}

// orphan forks children and exits without waiting for them.
func orphan(u *usermode.User) int {
	for i := 0; i < 4; i++ {
		if _, err := u.Fork(func(c *usermode.User) int {
			c.Printf("orphan %d\n", c.Getpid())
			return 0
		}); err != nil {
			u.Printf("orphan: fork: %v\n", err)
			return 1
		}
	}
	return 0
}

// Usage describes the programs for the command's help text.
func Usage() string {
	var b strings.Builder
	for _, name := range []string{"hello", "argecho", "cat", "forktest", "sharedoffset", "waitbad", "execchain"} {
		fmt.Fprintf(&b, "  /bin/%s\n", name)
	}
	return b.String()
}
