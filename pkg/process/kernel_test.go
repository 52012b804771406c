package process_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"kernsim/pkg/config"
	"kernsim/pkg/dev"
	"kernsim/pkg/errno"
	"kernsim/pkg/loader"
	"kernsim/pkg/machine"
	"kernsim/pkg/metrics"
	"kernsim/pkg/process"
	"kernsim/pkg/testbin"
	"kernsim/pkg/usermode"
	"kernsim/pkg/vfs"
	"kernsim/pkg/vfs/memfs"
	"kernsim/pkg/vm"
)

// lockedBuffer collects console output from concurrent processes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	k       *process.Kernel
	fs      *memfs.FS
	out     *lockedBuffer
	console *dev.Console
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, tweak func(*config.KernelConfig), progs map[string]usermode.Program) *harness {
	t.Helper()
	return newLoggedHarness(t, nil, tweak, progs)
}

func newLoggedHarness(t *testing.T, log *zap.Logger, tweak func(*config.KernelConfig), progs map[string]usermode.Program) *harness {
	t.Helper()

	cfg := config.Default().Kernel
	cfg.MemoryPages = 512
	if tweak != nil {
		tweak(&cfg)
	}

	rt := usermode.New(nil)
	if err := testbin.Register(rt); err != nil {
		t.Fatal(err)
	}
	for name, prog := range progs {
		if _, err := rt.Register(name, prog); err != nil {
			t.Fatal(err)
		}
	}

	fs := memfs.New()
	if err := rt.Install(fs, "/bin"); err != nil {
		t.Fatal(err)
	}
	ns := vfs.NewNamespace(fs)
	out := &lockedBuffer{}
	con := dev.NewConsole(nil, out)
	if err := ns.AddDevice("con", con); err != nil {
		t.Fatal(err)
	}

	m := metrics.New(prometheus.NewRegistry())
	k, err := process.New(process.Options{
		Config:    cfg,
		Namespace: ns,
		UserMode:  rt,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{k: k, fs: fs, out: out, console: con, metrics: m}
}

// run spawns argv[0] with argv and waits for its exit code.
func (h *harness) run(t *testing.T, argv ...string) int {
	t.Helper()
	pid, err := h.k.Spawn(argv[0], argv)
	if err != nil {
		t.Fatalf("Spawn(%s) error = %v", argv[0], err)
	}
	code, err := h.k.Wait(pid)
	if err != nil {
		t.Fatalf("Wait(%d) error = %v", pid, err)
	}
	return code
}

// shutdown stops the kernel and checks that nothing leaked.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	if err := h.k.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if mem := h.k.Memory(); mem.FreeFrames() != mem.Total() {
		t.Errorf("%d of %d frames free after shutdown", mem.FreeFrames(), mem.Total())
	}
	if n := h.console.InUse(); n != 0 {
		t.Errorf("%d console vnodes still open", n)
	}
	if n := h.k.Table().Len(); n != 0 {
		t.Errorf("%d records registered after shutdown", n)
	}
}

func TestNewRejectsBadLimits(t *testing.T) {
	ns := vfs.NewNamespace(memfs.New())
	rt := usermode.New(nil)

	tests := []struct {
		name  string
		tweak func(*config.KernelConfig)
	}{
		{"pid min zero", func(c *config.KernelConfig) { c.PidMin = 0 }},
		{"empty pid range", func(c *config.KernelConfig) { c.PidMax = c.PidMin - 1 }},
		{"no processes", func(c *config.KernelConfig) { c.MaxProcs = 0 }},
		{"no room past stdio", func(c *config.KernelConfig) { c.OpenMax = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Kernel
			tt.tweak(&cfg)
			if _, err := process.New(process.Options{Config: cfg, Namespace: ns, UserMode: rt}); err == nil {
				t.Error("New() accepted invalid limits")
			}
		})
	}
	if _, err := process.New(process.Options{Config: config.Default().Kernel}); err == nil {
		t.Error("New() accepted missing collaborators")
	}
}

func TestSpawnAndWait(t *testing.T) {
	h := newHarness(t, nil, nil)

	tests := []struct {
		argv []string
		code int
		out  string
	}{
		{[]string{"/bin/true"}, 0, ""},
		{[]string{"/bin/false"}, 1, ""},
		{[]string{"/bin/hello"}, 0, "hello, world\n"},
		{[]string{"/bin/exit", "42"}, 42, ""},
		{[]string{"/bin/argecho", "one", "two"}, 3, "argv[0] = /bin/argecho\nargv[1] = one\nargv[2] = two\n"},
		{[]string{"/bin/argecho", ""}, 2, "argv[0] = /bin/argecho\nargv[1] = \n"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, " "), func(t *testing.T) {
			before := h.out.String()
			if code := h.run(t, tt.argv...); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			if got := strings.TrimPrefix(h.out.String(), before); got != tt.out {
				t.Errorf("output = %q, want %q", got, tt.out)
			}
		})
	}

	h.shutdown(t)
}

func TestSpawnErrors(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.fs.WriteFile("/notelf", []byte("#!/bin/sh\n"), 0o755)

	tests := []struct {
		path string
		want errno.Errno
	}{
		{"/bin/missing", errno.ENOENT},
		{"/notelf", errno.ENOEXEC},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if _, err := h.k.Spawn(tt.path, []string{tt.path}); !errors.Is(err, tt.want) {
				t.Errorf("Spawn() error = %v, want %v", err, tt.want)
			}
		})
	}

	if n := h.k.Table().Len(); n != 0 {
		t.Errorf("%d records left by failed spawns", n)
	}
	h.shutdown(t)
}

func TestWaitTwice(t *testing.T) {
	h := newHarness(t, nil, nil)
	pid, err := h.k.Spawn("/bin/true", []string{"true"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.Wait(pid); err != nil {
		t.Fatal(err)
	}
	if _, err := h.k.Wait(pid); !errors.Is(err, errno.ESRCH) {
		t.Errorf("second Wait() error = %v, want ESRCH", err)
	}
	h.shutdown(t)
}

func TestFaultingEntry(t *testing.T) {
	h := newHarness(t, nil, nil)
	const entry = 0x00900000
	img := loader.BuildImage(entry, loader.Segment{Vaddr: entry, Data: []byte{0}, Flags: elf.PF_R | elf.PF_X})
	h.fs.WriteFile("/nocode", img, 0o755)

	if code := h.run(t, "/nocode"); code != usermode.ExitFault {
		t.Errorf("exit code = %d, want %d", code, usermode.ExitFault)
	}
	h.shutdown(t)
}

func TestTestPrograms(t *testing.T) {
	tests := []struct {
		argv []string
		out  string
	}{
		{[]string{"/bin/forktest"}, "forktest: 8 children ok\n"},
		{[]string{"/bin/forktest", "30"}, "forktest: 30 children ok\n"},
		{[]string{"/bin/waitbad"}, "waitbad: ok\n"},
		{[]string{"/bin/badcall"}, ""},
		{[]string{"/bin/sharedoffset"}, "child read \"abcd\"\nparent read \"efgh\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.argv[0], func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.fs.WriteFile("/testfile", []byte("abcdefgh"), 0o644)

			if code := h.run(t, tt.argv...); code != 0 {
				t.Errorf("exit code = %d, output %q", code, h.out.String())
			}
			if got := h.out.String(); got != tt.out {
				t.Errorf("output = %q, want %q", got, tt.out)
			}
			h.shutdown(t)
		})
	}
}

func TestFiles(t *testing.T) {
	h := newHarness(t, nil, nil)

	if code := h.run(t, "/bin/write", "/out", "a", "b"); code != 0 {
		t.Fatalf("write exited %d: %q", code, h.out.String())
	}
	if code := h.run(t, "/bin/append", "/out", "c"); code != 0 {
		t.Fatalf("append exited %d: %q", code, h.out.String())
	}
	data, err := h.fs.ReadFile("/out")
	if err != nil || string(data) != "a bc" {
		t.Fatalf("/out = %q, %v", data, err)
	}

	if code := h.run(t, "/bin/cat", "/out"); code != 0 {
		t.Errorf("cat exited %d", code)
	}
	if code := h.run(t, "/bin/cat", "/missing"); code != 1 {
		t.Errorf("cat of a missing file exited %d", code)
	}
	if got := h.out.String(); !strings.HasPrefix(got, "a bc") || !strings.Contains(got, "cat: /missing:") {
		t.Errorf("output = %q", got)
	}
	h.shutdown(t)
}

func TestDescriptorSyscalls(t *testing.T) {
	h := newHarness(t, func(c *config.KernelConfig) { c.OpenMax = 5 }, map[string]usermode.Program{
		"fds": func(u *usermode.User) int {
			fail := func(format string, args ...any) int {
				u.Printf(format+"\n", args...)
				return 1
			}

			a, err := u.Open("/f", vfs.O_RDWR|vfs.O_CREAT)
			if err != nil || a != 3 {
				return fail("first open = %d, %v", a, err)
			}
			b, err := u.Open("/f", vfs.O_RDONLY)
			if err != nil || b != 4 {
				return fail("second open = %d, %v", b, err)
			}
			if _, err := u.Open("/f", vfs.O_RDONLY); !errors.Is(err, errno.EMFILE) {
				return fail("open on full table = %v", err)
			}
			if _, err := u.Open("/f", vfs.O_RDONLY|vfs.O_EXCL|vfs.O_CREAT); !errors.Is(err, errno.EMFILE) {
				return fail("open on full table = %v", err)
			}
			// flag checks come before the table-full check
			if _, err := u.Open("/f", vfs.O_ACCMODE); !errors.Is(err, errno.EINVAL) {
				return fail("open with O_ACCMODE = %v", err)
			}
			if _, err := u.Open("/f", vfs.O_RDONLY|0x4000); !errors.Is(err, errno.EINVAL) {
				return fail("open with an unknown flag = %v", err)
			}
			if err := u.Close(a); err != nil {
				return fail("close = %v", err)
			}
			if err := u.Close(a); !errors.Is(err, errno.EBADF) {
				return fail("second close = %v", err)
			}
			if _, err := u.Write(b, []byte("x")); !errors.Is(err, errno.EBADF) {
				return fail("write to read-only fd = %v", err)
			}
			if _, err := u.Read(99, 1); !errors.Is(err, errno.EBADF) {
				return fail("read of fd 99 = %v", err)
			}
			if _, err := u.Syscall(machine.SysRead, uint32(b), 0, 4); !errors.Is(err, errno.EFAULT) {
				return fail("read to null buffer = %v", err)
			}
			if _, err := u.Syscall(machine.SysOpen, 0, vfs.O_RDONLY, 0); !errors.Is(err, errno.EFAULT) {
				return fail("open of null path = %v", err)
			}
			if _, err := u.Open("", vfs.O_RDONLY); !errors.Is(err, errno.EINVAL) {
				return fail("open of empty path = %v", err)
			}
			// fd 4 stays open; exit closes it
			return 0
		},
	})

	if code := h.run(t, "/bin/fds"); code != 0 {
		t.Errorf("fds exited %d: %q", code, h.out.String())
	}
	h.shutdown(t)
	if got := testutil.ToFloat64(h.metrics.OpenSlots); got != 0 {
		t.Errorf("open slots = %v after shutdown", got)
	}
}

func TestExecReplacesImage(t *testing.T) {
	h := newHarness(t, nil, nil)

	if code := h.run(t, "/bin/execchain", "x", "y"); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	want := "argv[0] = argecho\nargv[1] = x\nargv[2] = y\n"
	if got := h.out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	// one exec for the spawn, one for the chain
	if got := testutil.ToFloat64(h.metrics.Execs.WithLabelValues("ok")); got != 2 {
		t.Errorf("successful execs = %v, want 2", got)
	}
	h.shutdown(t)
}

func TestExecFailureKeepsCaller(t *testing.T) {
	h := newHarness(t, nil, map[string]usermode.Program{
		"badexec": func(u *usermode.User) int {
			p := u.Process()
			pid := u.Getpid()
			as := p.AddrSpace()

			checks := []struct {
				name string
				call func() error
				want errno.Errno
			}{
				{"missing", func() error { return u.Execv("/bin/missing", []string{"missing"}) }, errno.ENOENT},
				{"empty path", func() error { return u.Execv("", []string{"x"}) }, errno.EINVAL},
				{"not an executable", func() error { return u.Execv("/notelf", []string{"notelf"}) }, errno.ENOEXEC},
				{"null path", func() error { _, err := u.Syscall(machine.SysExecv, 0, 0); return err }, errno.EFAULT},
				{"null argv", func() error {
					mark := u.Mark()
					defer u.Release(mark)
					_, err := u.Syscall(machine.SysExecv, u.PushString("/bin/hello"), 0)
					return err
				}, errno.EFAULT},
				{"wild argv", func() error {
					mark := u.Mark()
					defer u.Release(mark)
					_, err := u.Syscall(machine.SysExecv, u.PushString("/bin/hello"), 0x7fff0000)
					return err
				}, errno.EFAULT},
			}
			for _, c := range checks {
				if err := c.call(); !errors.Is(err, c.want) {
					u.Printf("%s: got %v, want %v\n", c.name, err, c.want)
					return 1
				}
			}

			// same process, same address space, same arguments
			if u.Getpid() != pid || p.AddrSpace() != as || u.Args()[1] != "keep" {
				u.Printf("caller changed by failed exec\n")
				return 1
			}
			u.Printf("still here\n")
			return 7
		},
	})
	h.fs.WriteFile("/notelf", []byte("plain text"), 0o644)

	if code := h.run(t, "/bin/badexec", "keep"); code != 7 {
		t.Errorf("exit code = %d, want 7: %q", code, h.out.String())
	}
	if got := h.out.String(); got != "still here\n" {
		t.Errorf("output = %q", got)
	}
	if got := testutil.ToFloat64(h.metrics.Execs.WithLabelValues("error")); got != 6 {
		t.Errorf("failed execs = %v, want 6", got)
	}
	h.shutdown(t)
}

func TestOutOfMemory(t *testing.T) {
	h := newHarness(t, nil, map[string]usermode.Program{
		"hog": func(u *usermode.User) int {
			k := u.Process().Kernel()
			mem := k.Memory()
			n := mem.FreeFrames()
			if err := mem.Alloc(n); err != nil {
				return 1
			}

			_, forkErr := u.Fork(func(*usermode.User) int { return 0 })
			live := k.Table().Len()
			execErr := u.Execv("/bin/hello", []string{"hello"})
			mem.Free(n)

			if !errors.Is(forkErr, errno.ENOMEM) || !errors.Is(execErr, errno.ENOMEM) {
				u.Printf("fork %v, exec %v\n", forkErr, execErr)
				return 1
			}
			if live != 1 {
				u.Printf("%d records after failed fork\n", live)
				return 1
			}
			return 0
		},
	})

	if code := h.run(t, "/bin/hog"); code != 0 {
		t.Errorf("exit code = %d: %q", code, h.out.String())
	}
	if got := testutil.ToFloat64(h.metrics.Forks.WithLabelValues("error")); got != 1 {
		t.Errorf("failed forks = %v, want 1", got)
	}
	h.shutdown(t)
}

func TestExitStatusTruncated(t *testing.T) {
	h := newHarness(t, nil, map[string]usermode.Program{
		"big": func(u *usermode.User) int {
			pid, err := u.Fork(func(*usermode.User) int { return 300 })
			if err != nil {
				return 1
			}
			status, err := u.Waitpid(pid)
			if err != nil || !machine.WIfExited(status) || machine.WExitStatus(status) != 300&0xff {
				u.Printf("status %#x, %v\n", status, err)
				return 1
			}
			return 0
		},
	})
	if code := h.run(t, "/bin/big"); code != 0 {
		t.Errorf("exit code = %d: %q", code, h.out.String())
	}
	h.shutdown(t)
}

func TestForkDistinctPids(t *testing.T) {
	const (
		parents  = 4
		children = 10
	)
	var (
		childPids = make(chan int32, parents*children)
		forked    = make(chan int32, parents*children)
	)
	h := newHarness(t, nil, map[string]usermode.Program{
		"forker": func(u *usermode.User) int {
			var pids []int32
			for i := 0; i < children; i++ {
				pid, err := u.Fork(func(c *usermode.User) int {
					childPids <- c.Getpid()
					return 0
				})
				if err != nil {
					return 1
				}
				forked <- pid
				pids = append(pids, pid)
			}
			for _, pid := range pids {
				if _, err := u.Waitpid(pid); err != nil {
					return 1
				}
			}
			return 0
		},
	})

	var spawned []int32
	for i := 0; i < parents; i++ {
		pid, err := h.k.Spawn("/bin/forker", []string{"forker"})
		if err != nil {
			t.Fatal(err)
		}
		spawned = append(spawned, pid)
	}
	for _, pid := range spawned {
		if code, err := h.k.Wait(pid); err != nil || code != 0 {
			t.Fatalf("Wait(%d) = %d, %v", pid, code, err)
		}
	}
	h.shutdown(t)
	close(childPids)
	close(forked)

	seen := make(map[int32]bool)
	for pid := range forked {
		if seen[pid] {
			t.Errorf("pid %d returned by two forks", pid)
		}
		seen[pid] = true
	}
	for _, pid := range spawned {
		if seen[pid] {
			t.Errorf("child pid %d equals a parent pid", pid)
		}
	}
	n := 0
	for pid := range childPids {
		n++
		if !seen[pid] {
			t.Errorf("child saw pid %d that fork never returned", pid)
		}
	}
	if n != parents*children || len(seen) != parents*children {
		t.Errorf("%d children ran, %d pids returned", n, len(seen))
	}
}

func TestForkLastSlot(t *testing.T) {
	var (
		ready   sync.WaitGroup
		forked  sync.WaitGroup
		start   = make(chan struct{})
		results = make(chan error, 2)
	)
	ready.Add(2)
	forked.Add(2)

	h := newHarness(t, func(c *config.KernelConfig) { c.MaxProcs = 3 }, map[string]usermode.Program{
		"racer": func(u *usermode.User) int {
			ready.Done()
			<-start
			pid, err := u.Fork(func(*usermode.User) int { return 0 })
			results <- err
			// the zombie keeps the slot until both forks are done
			forked.Done()
			forked.Wait()
			if err == nil {
				u.Waitpid(pid)
			}
			return 0
		},
	})

	var pids []int32
	for i := 0; i < 2; i++ {
		pid, err := h.k.Spawn("/bin/racer", []string{"racer"})
		if err != nil {
			t.Fatal(err)
		}
		pids = append(pids, pid)
	}
	ready.Wait()
	close(start)

	ok, full := 0, 0
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			ok++
		case errors.Is(err, errno.ENPROC):
			full++
		default:
			t.Errorf("fork error = %v", err)
		}
	}
	if ok != 1 || full != 1 {
		t.Errorf("%d forks succeeded, %d hit the limit", ok, full)
	}

	for _, pid := range pids {
		h.k.Wait(pid)
	}
	h.shutdown(t)
}

func TestWaitForeignChild(t *testing.T) {
	var (
		childPid = make(chan int32, 1)
		release  = make(chan struct{})
	)
	h := newHarness(t, nil, map[string]usermode.Program{
		"holder": func(u *usermode.User) int {
			pid, err := u.Fork(func(*usermode.User) int {
				<-release
				return 5
			})
			if err != nil {
				return 1
			}
			childPid <- pid
			status, err := u.Waitpid(pid)
			if err != nil || machine.WExitStatus(status) != 5 {
				return 1
			}
			return 0
		},
	})

	pid, err := h.k.Spawn("/bin/holder", []string{"holder"})
	if err != nil {
		t.Fatal(err)
	}
	child := <-childPid

	rec, ok := h.k.Table().Lookup(child)
	if !ok || rec.Ppid() != pid || rec.State() != process.StateRunning {
		t.Fatalf("child record %v, %v", rec, ok)
	}
	if _, err := h.k.Wait(child); !errors.Is(err, errno.ECHILD) {
		t.Errorf("kernel Wait() on a grandchild = %v, want ECHILD", err)
	}

	close(release)
	if code, err := h.k.Wait(pid); err != nil || code != 0 {
		t.Errorf("Wait() = %d, %v", code, err)
	}
	h.shutdown(t)
}

func TestOrphans(t *testing.T) {
	h := newHarness(t, nil, nil)

	if code := h.run(t, "/bin/orphan"); code != 0 {
		t.Errorf("exit code = %d", code)
	}
	// shutdown waits for the orphans and finds their records reaped
	h.shutdown(t)

	if n := strings.Count(h.out.String(), "orphan "); n != 4 {
		t.Errorf("%d orphans reported, want 4: %q", n, h.out.String())
	}
	if got := testutil.ToFloat64(h.metrics.ProcessesZombie); got != 0 {
		t.Errorf("zombies = %v", got)
	}
}

func TestShutdownWithRunningProcess(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, map[string]usermode.Program{
		"sleeper": func(*usermode.User) int {
			<-release
			return 0
		},
	})
	if _, err := h.k.Spawn("/bin/sleeper", []string{"sleeper"}); err != nil {
		t.Fatal(err)
	}
	close(release)
	h.shutdown(t)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.run(t, "/bin/forktest", "5")
	h.shutdown(t)

	m := h.metrics
	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"forks ok", m.Forks.WithLabelValues("ok"), 5},
		{"exits", m.Exits, 6},
		{"reaps", m.Reaps, 6},
		{"live", m.ProcessesLive, 0},
		{"zombies", m.ProcessesZombie, 0},
		{"free frames", m.FreeFrames, float64(h.k.Memory().Total())},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestReadOutOfMemoryKeepsOffset(t *testing.T) {
	h := newHarness(t, nil, map[string]usermode.Program{
		"lowmem": func(u *usermode.User) int {
			mem := u.Process().Kernel().Memory()
			fd, err := u.Open("/f", vfs.O_RDONLY)
			if err != nil {
				return 1
			}

			// the lowest bytes of a two-page allocation lie in a page
			// nothing has touched yet
			mark := u.Mark()
			buf := u.Alloc(2 * vm.PageSize)

			n := mem.FreeFrames()
			if err := mem.Alloc(n); err != nil {
				return 1
			}
			_, readErr := u.Syscall(machine.SysRead, uint32(fd), buf, 4)
			mem.Free(n)
			u.Release(mark)

			if !errors.Is(readErr, errno.ENOMEM) {
				u.Printf("read with no frames = %v\n", readErr)
				return 1
			}
			b, err := u.Read(fd, 4)
			if err != nil {
				u.Printf("read = %v\n", err)
				return 1
			}
			u.Printf("%s\n", b)
			return 0
		},
	})
	h.fs.WriteFile("/f", []byte("abcdefgh"), 0o644)

	if code := h.run(t, "/bin/lowmem"); code != 0 {
		t.Errorf("exit code = %d: %q", code, h.out.String())
	}
	if got := h.out.String(); got != "abcd\n" {
		t.Errorf("output = %q, want the first four bytes", got)
	}
	h.shutdown(t)
}

func TestWaitpidOutOfMemoryKeepsStatus(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, map[string]usermode.Program{
		"lowwait": func(u *usermode.User) int {
			mem := u.Process().Kernel().Memory()
			pid, err := u.Fork(func(*usermode.User) int {
				<-release
				return 9
			})
			if err != nil {
				return 1
			}

			mark := u.Mark()
			status := u.Alloc(2 * vm.PageSize)

			n := mem.FreeFrames()
			if err := mem.Alloc(n); err != nil {
				return 1
			}
			_, waitErr := u.Syscall(machine.SysWaitpid, uint32(pid), status, 0)
			mem.Free(n)
			u.Release(mark)
			close(release)

			if !errors.Is(waitErr, errno.ENOMEM) {
				u.Printf("waitpid with no frames = %v\n", waitErr)
				return 1
			}
			// the child was not collected by the failed call
			code, err := u.Waitpid(pid)
			if err != nil || machine.WExitStatus(code) != 9 {
				u.Printf("waitpid = %#x, %v\n", code, err)
				return 1
			}
			return 0
		},
	})

	if code := h.run(t, "/bin/lowwait"); code != 0 {
		t.Errorf("exit code = %d: %q", code, h.out.String())
	}
	h.shutdown(t)
}

func TestExecLogsOnlyFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newLoggedHarness(t, zap.New(core), nil, map[string]usermode.Program{
		"tryexec": func(u *usermode.User) int {
			if err := u.Execv("/bin/missing", []string{"missing"}); err == nil {
				return 1
			}
			u.Execv("/bin/exit", []string{"exit", "4"})
			return 1
		},
	})

	if code := h.run(t, "/bin/tryexec"); code != 4 {
		t.Errorf("exit code = %d, want 4", code)
	}
	h.shutdown(t)

	failed := logs.FilterMessage("exec failed").All()
	if len(failed) != 1 {
		t.Fatalf("%d exec failure entries, want 1", len(failed))
	}
	if err, ok := failed[0].ContextMap()["error"].(string); !ok || !strings.Contains(err, "no such file") {
		t.Errorf("logged error = %v", failed[0].ContextMap()["error"])
	}
	if n := logs.FilterMessage("exec").Len(); n != 2 {
		t.Errorf("%d successful exec entries, want 2", n)
	}
}
