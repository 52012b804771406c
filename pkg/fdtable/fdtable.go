// Package fdtable implements per-process file descriptor tables.
//
// A descriptor number indexes a Table and names a Slot. Slots hold the
// open vnode, its flags and the current offset. Fork does not copy slots:
// the child's table points at the same Slot objects with their reference
// counts raised, so parent and child share one offset per inherited
// descriptor. The vnode is closed when the last reference goes away.
//
// Locking: Table.mu guards the descriptor array and is taken before any
// Slot.mu. Slot.mu guards everything in the slot and is held for the whole
// of a transfer, which serializes I/O on aliased descriptors across
// processes.
package fdtable

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"

	"kernsim/pkg/errno"
	"kernsim/pkg/metrics"
	vfs "kernsim/pkg/vfs"
)

// Standard descriptors, opened on the console by Init.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// openFlags are the flag bits Open understands.
const openFlags = vfs.O_ACCMODE | vfs.O_CREAT | vfs.O_EXCL | vfs.O_TRUNC | vfs.O_APPEND

var (
	// ErrBadDescriptor is returned for descriptors that are out of range
	// or not open.
	ErrBadDescriptor = fmt.Errorf("fdtable: bad descriptor: %w", errno.EBADF)
	// ErrTableFull is returned by Open when every descriptor is in use.
	ErrTableFull = fmt.Errorf("fdtable: too many open files: %w", errno.EMFILE)
	// ErrBadFlags is returned by Open for an invalid access mode or an
	// unknown flag bit.
	ErrBadFlags = fmt.Errorf("fdtable: invalid open flags: %w", errno.EINVAL)
	// ErrFault is returned for a transfer without a usable buffer.
	ErrFault = fmt.Errorf("fdtable: bad buffer: %w", errno.EFAULT)
)

// Opener resolves names to vnodes. *vfs.Namespace implements it.
type Opener interface {
	Open(path string, flags int, perm os.FileMode) (vfs.Vnode, error)
}

// Slot is the shared state of an open file.
type Slot struct {
	mu     sync.Mutex
	name   string
	flags  int
	vnode  vfs.Vnode // nil once the last reference is released
	offset int64
	refs   int
}

// Refs returns the number of descriptors referring to s.
func (s *Slot) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Offset returns the current file position.
func (s *Slot) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Flags returns the open flags.
func (s *Slot) Flags() int { return s.flags }

// Name returns the path the slot was opened with.
func (s *Slot) Name() string { return s.name }

// reserved marks a descriptor held by an Open in progress.
var reserved = &Slot{}

// Table is a fixed-size descriptor table.
type Table struct {
	mu      sync.Mutex
	slots   []*Slot
	metrics *metrics.Metrics
}

// New creates an empty table with room for max descriptors. m may be nil.
func New(max int, m *metrics.Metrics) *Table {
	return &Table{slots: make([]*Slot, max), metrics: m}
}

// Cap returns the number of descriptors the table can hold.
func (t *Table) Cap() int { return len(t.slots) }

// Init opens the console as descriptors 0, 1 and 2 (read-only, write-only,
// write-only). Either all three succeed or the table is left empty and an
// I/O error is returned.
func (t *Table) Init(ns Opener, console string) error {
	modes := [...]int{vfs.O_RDONLY, vfs.O_WRONLY, vfs.O_WRONLY}

	t.mu.Lock()
	defer t.mu.Unlock()

	for fd := range modes {
		if t.slots[fd] != nil {
			return fmt.Errorf("fdtable: init: descriptor %d already open: %w", fd, errno.EINVAL)
		}
	}

	var opened []vfs.Vnode
	for _, mode := range modes {
		v, err := ns.Open(console, mode, 0)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return fmt.Errorf("fdtable: init: open %s: %v: %w", console, err, errno.EIO)
		}
		opened = append(opened, v)
	}
	for fd, v := range opened {
		t.slots[fd] = &Slot{name: console, flags: modes[fd], vnode: v, refs: 1}
		t.metrics.SlotOpened()
	}
	return nil
}

// Open opens path on the lowest free descriptor at or above 3.
func (t *Table) Open(ns Opener, path string, flags int, perm os.FileMode) (int, error) {
	if flags&vfs.O_ACCMODE == vfs.O_ACCMODE || flags&^openFlags != 0 {
		return -1, ErrBadFlags
	}
	fd, err := t.reserve()
	if err != nil {
		return -1, err
	}

	// The lookup may block, so the table is not held across it.
	v, err := ns.Open(path, flags, perm)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.slots[fd] = nil
		return -1, err
	}
	t.slots[fd] = &Slot{name: path, flags: flags, vnode: v, refs: 1}
	t.metrics.SlotOpened()
	return fd, nil
}

func (t *Table) reserve() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := Stderr + 1; fd < len(t.slots); fd++ {
		if t.slots[fd] == nil {
			t.slots[fd] = reserved
			return fd, nil
		}
	}
	return -1, ErrTableFull
}

// Slot returns the slot behind fd.
func (t *Table) Slot(fd int) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(fd)
}

// lookup is Slot with t.mu held.
func (t *Table) lookup(fd int) (*Slot, error) {
	if fd < 0 || fd >= len(t.slots) {
		return nil, ErrBadDescriptor
	}
	s := t.slots[fd]
	if s == nil || s == reserved {
		return nil, ErrBadDescriptor
	}
	return s, nil
}

// Read reads into buf at the slot's offset and advances it. A nil buf
// means the caller could not map the user buffer.
func (t *Table) Read(fd int, buf []byte) (int, error) {
	s, err := t.Slot(fd)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return 0, ErrFault
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vnode == nil || !vfs.Readable(s.flags) {
		return 0, ErrBadDescriptor
	}
	n, err := s.vnode.ReadAt(buf, s.offset)
	s.offset += int64(n)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Write writes buf at the slot's offset and advances it. With O_APPEND
// the offset first moves to the end of the file.
func (t *Table) Write(fd int, buf []byte) (int, error) {
	s, err := t.Slot(fd)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return 0, ErrFault
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vnode == nil || !vfs.Writable(s.flags) {
		return 0, ErrBadDescriptor
	}
	if s.flags&vfs.O_APPEND != 0 {
		info, err := s.vnode.Stat()
		if err != nil {
			return 0, err
		}
		s.offset = info.Size
	}
	n, err := s.vnode.WriteAt(buf, s.offset)
	s.offset += int64(n)
	return n, err
}

// Close removes fd from the table and drops its slot reference.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	s, err := t.lookup(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.slots[fd] = nil
	t.mu.Unlock()

	return t.release(s)
}

// release drops one reference to s, closing the vnode on the last one.
func (t *Table) release(s *Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs--
	switch {
	case s.refs > 0:
		return nil
	case s.refs < 0:
		panic("fdtable: slot released more often than referenced")
	}
	v := s.vnode
	s.vnode = nil
	t.metrics.SlotClosed()
	if err := v.Close(); err != nil {
		return fmt.Errorf("fdtable: close %s: %w", s.name, err)
	}
	return nil
}

// CloneInto makes every open descriptor of t refer to the same slot in dst.
// dst must be empty and of the same size.
func (t *Table) CloneInto(dst *Table) error {
	if dst == t || len(dst.slots) != len(t.slots) {
		return fmt.Errorf("fdtable: clone: incompatible destination: %w", errno.EINVAL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	for fd, s := range dst.slots {
		if s != nil {
			return fmt.Errorf("fdtable: clone: descriptor %d in use: %w", fd, errno.EINVAL)
		}
	}
	for fd, s := range t.slots {
		if s == nil || s == reserved {
			continue
		}
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		dst.slots[fd] = s
	}
	return nil
}

// Teardown closes every open descriptor. Errors from closing vnodes are
// collected; the table is empty afterwards regardless.
func (t *Table) Teardown() error {
	t.mu.Lock()
	var held []*Slot
	for fd, s := range t.slots {
		if s == nil || s == reserved {
			continue
		}
		held = append(held, s)
		t.slots[fd] = nil
	}
	t.mu.Unlock()

	var err error
	for _, s := range held {
		err = multierr.Append(err, t.release(s))
	}
	return err
}

// Len returns the number of open descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s != nil && s != reserved {
			n++
		}
	}
	return n
}
