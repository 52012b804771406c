// Package dev holds the kernel's character devices.
package dev

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"

	"kernsim/pkg/errno"
	vfs "kernsim/pkg/vfs"
)

// Console is the "con:" device. Reads come from in and writes go to out.
// Every open shares the same streams; the offset of a transfer is ignored.
type Console struct {
	inMu  sync.Mutex
	in    io.Reader
	outMu sync.Mutex
	out   io.Writer

	opens  atomic.Int64
	closes atomic.Int64
}

// NewConsole creates a console. Either stream may be nil: reads then report
// end of file and writes are discarded.
func NewConsole(in io.Reader, out io.Writer) *Console {
	if in == nil {
		in = eofReader{}
	}
	if out == nil {
		out = io.Discard
	}
	return &Console{in: in, out: out}
}

// Open implements vfs.Device.
func (c *Console) Open(flags int) (vfs.Vnode, error) {
	if flags&(vfs.O_CREAT|vfs.O_EXCL|vfs.O_TRUNC) != 0 {
		return nil, fmt.Errorf("dev: console: unsupported flags %#x: %w", flags, errno.EINVAL)
	}
	c.opens.Inc()
	return &consoleVnode{con: c}, nil
}

// Opens returns the number of vnodes handed out.
func (c *Console) Opens() int64 { return c.opens.Load() }

// Closes returns the number of vnodes closed.
func (c *Console) Closes() int64 { return c.closes.Load() }

// InUse returns the number of vnodes opened and not yet closed.
func (c *Console) InUse() int64 { return c.opens.Load() - c.closes.Load() }

type consoleVnode struct {
	con *Console

	mu     sync.Mutex
	closed bool
}

func (v *consoleVnode) check() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("dev: console: %w", errno.EBADF)
	}
	return nil
}

// ReadAt reads one chunk of console input. A short read is normal.
func (v *consoleVnode) ReadAt(p []byte, _ int64) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	v.con.inMu.Lock()
	defer v.con.inMu.Unlock()
	return v.con.in.Read(p)
}

func (v *consoleVnode) WriteAt(p []byte, _ int64) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	v.con.outMu.Lock()
	defer v.con.outMu.Unlock()
	n, err := v.con.out.Write(p)
	if err != nil {
		return n, fmt.Errorf("dev: console: %v: %w", err, errno.EIO)
	}
	return n, nil
}

func (v *consoleVnode) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("dev: console: %w", errno.EBADF)
	}
	v.closed = true
	v.con.closes.Inc()
	return nil
}

func (v *consoleVnode) Stat() (vfs.FileInfo, error) {
	return vfs.FileInfo{
		Name:    "con",
		Mode: vfs.ModeCharDevice | 0o666,
	}, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
