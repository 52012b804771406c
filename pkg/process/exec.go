package process

import (
	"fmt"

	"go.uber.org/zap"

	"kernsim/pkg/errno"
	"kernsim/pkg/klog"
	"kernsim/pkg/loader"
	"kernsim/pkg/machine"
	"kernsim/pkg/thread"
	"kernsim/pkg/vfs"
	"kernsim/pkg/vm"
)

// ArgMax bounds the total size of an argument vector, terminators
// included.
const ArgMax = 64 * 1024

var (
	errEmptyPath = fmt.Errorf("process: exec: empty path: %w", errno.EINVAL)
	errArgsBig   = fmt.Errorf("process: exec: argument list too long: %w", errno.E2BIG)
	errNullPtr   = fmt.Errorf("process: null user pointer: %w", errno.EFAULT)
)

// image is a fully built address space ready to be switched to.
type image struct {
	path  string
	as    *vm.AddrSpace
	entry uint32
	argc  int
	argv  uint32
}

// Execv replaces p's program with the one at the user path upath, passing
// the NULL-terminated user array of string pointers at uargv. On success
// it does not return. On failure p is left exactly as it was.
func (k *Kernel) Execv(p *Process, t *thread.Thread, upath, uargv uint32) error {
	p.execMu.Lock()

	path, args, err := k.copyInExecArgs(p, upath, uargv)
	if err == nil {
		var img *image
		img, err = k.prepare(path, args)
		if err == nil {
			k.install(p, t, img)
		}
	}

	p.execMu.Unlock()
	k.metrics.Exec(err)
	if err != nil {
		k.log.Debug("exec failed", klog.Pid(p.Pid()), zap.Error(err))
	}
	return err
}

func (k *Kernel) copyInExecArgs(p *Process, upath, uargv uint32) (string, []string, error) {
	as := p.AddrSpace()
	if upath == 0 || uargv == 0 {
		return "", nil, errNullPtr
	}
	path, err := as.CopyInStr(upath, vfs.PathMax)
	if err != nil {
		return "", nil, err
	}
	if path == "" {
		return "", nil, errEmptyPath
	}

	var (
		args  []string
		total int
	)
	for i := uint32(0); ; i++ {
		ptr, err := as.CopyInWord(uargv + 4*i)
		if err != nil {
			return "", nil, err
		}
		if ptr == 0 {
			break
		}
		arg, err := as.CopyInStr(ptr, ArgMax-total)
		if err != nil {
			if errno.From(err) == errno.ENAMETOOLONG {
				return "", nil, errArgsBig
			}
			return "", nil, err
		}
		total += len(arg) + 1
		args = append(args, arg)
	}
	return path, args, nil
}

// prepare builds the new image for path in a fresh address space. Nothing
// belonging to the calling process is touched.
func (k *Kernel) prepare(path string, args []string) (*image, error) {
	v, err := k.ns.Open(path, vfs.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	as, err := vm.New(k.mem)
	if err != nil {
		return nil, err
	}
	img, err := build(v, as, args)
	if err != nil {
		as.Destroy()
		return nil, err
	}
	img.path = path
	return img, nil
}

func build(v vfs.Vnode, as *vm.AddrSpace, args []string) (*image, error) {
	entry, err := loader.Load(v, as)
	if err != nil {
		return nil, err
	}
	sp, err := as.DefineStack()
	if err != nil {
		return nil, err
	}

	// Strings go at the top of the stack, each padded to a word; below
	// them the pointer array with its NULL terminator.
	need := 4 * (len(args) + 1)
	for _, a := range args {
		need += padded(len(a) + 1)
	}
	if need > ArgMax || need > vm.StackPages*vm.PageSize {
		return nil, errArgsBig
	}

	ptrs := make([]uint32, len(args))
	for i, a := range args {
		buf := make([]byte, padded(len(a)+1))
		copy(buf, a)
		sp -= uint32(len(buf))
		if err := as.CopyOut(sp, buf); err != nil {
			return nil, err
		}
		ptrs[i] = sp
	}
	sp -= uint32(4 * (len(args) + 1))
	for i, ptr := range ptrs {
		if err := as.CopyOutWord(sp+uint32(4*i), ptr); err != nil {
			return nil, err
		}
	}
	if err := as.CopyOutWord(sp+uint32(4*len(args)), 0); err != nil {
		return nil, err
	}

	return &image{as: as, entry: entry, argc: len(args), argv: sp}, nil
}

func padded(n int) int {
	return (n + 3) &^ 3
}

// install switches p to img and enters it. The caller holds p.execMu,
// which is released here. It does not return.
func (k *Kernel) install(p *Process, t *thread.Thread, img *image) {
	old := p.swap(img.path, img.as)
	if old != nil {
		old.Deactivate()
		old.Destroy()
	}
	img.as.Activate()

	k.metrics.Exec(nil)
	k.log.Debug("exec", klog.Pid(p.Pid()), zap.String("path", img.path), zap.Int("argc", img.argc))

	tf := &machine.Trapframe{
		EPC: img.entry,
		SP:  img.argv,
		A0:  uint32(img.argc),
		A1:  img.argv,
	}
	p.execMu.Unlock()
	k.enter(p, t, tf)
}
