package process

import (
	"os"

	"kernsim/pkg/vfs"
	"kernsim/pkg/vm"
)

// Open opens the file named by the user string at upath on the lowest
// free descriptor of p.
func (k *Kernel) Open(p *Process, upath uint32, flags int, mode os.FileMode) (int, error) {
	if upath == 0 {
		return -1, errNullPtr
	}
	path, err := p.AddrSpace().CopyInStr(upath, vfs.PathMax)
	if err != nil {
		return -1, err
	}
	if path == "" {
		return -1, errEmptyPath
	}
	return p.Files().Open(k.ns, path, flags, mode)
}

// Close closes descriptor fd of p.
func (k *Kernel) Close(p *Process, fd int) error {
	return p.Files().Close(fd)
}

// Read reads up to n bytes from fd into the user buffer at ubuf.
func (k *Kernel) Read(p *Process, fd int, ubuf uint32, n int) (int, error) {
	as := p.AddrSpace()
	buf := userBuffer(as, ubuf, n)
	if buf != nil {
		// The destination is backed before the transfer moves the offset,
		// so running out of frames cannot consume file data.
		if err := as.Prefault(ubuf, n); err != nil {
			if _, serr := p.Files().Slot(fd); serr != nil {
				return 0, serr
			}
			return 0, err
		}
	}

	got, err := p.Files().Read(fd, buf)
	if got > 0 {
		if cerr := as.CopyOut(ubuf, buf[:got]); cerr != nil {
			return 0, cerr
		}
	}
	return got, err
}

// Write writes n bytes from the user buffer at ubuf to fd.
func (k *Kernel) Write(p *Process, fd int, ubuf uint32, n int) (int, error) {
	as := p.AddrSpace()
	buf := userBuffer(as, ubuf, n)
	if buf != nil {
		if err := as.CopyIn(buf, ubuf); err != nil {
			buf = nil
		}
	}
	return p.Files().Write(fd, buf)
}

// userBuffer returns a kernel buffer for n bytes at ubuf, or nil when the
// range is not valid user memory. The descriptor layer reports the nil
// buffer as a fault once it has checked the descriptor.
func userBuffer(as *vm.AddrSpace, ubuf uint32, n int) []byte {
	if n < 0 || ubuf == 0 || !as.ValidRange(ubuf, max(n, 1)) {
		return nil
	}
	return make([]byte, n)
}
