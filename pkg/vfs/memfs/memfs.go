// Package memfs provides an in-memory filesystem implementation.
// The kernel mounts it as the root holding /bin, and tests use it as a
// scratch file system.
package memfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"kernsim/pkg/errno"
	vfs "kernsim/pkg/vfs"
)

// Errors returned by memfs. Each wraps the errno reported to user space.
var (
	ErrFileNotFound = fmt.Errorf("memfs: file not found: %w", errno.ENOENT)
	ErrFileExists   = fmt.Errorf("memfs: file already exists: %w", errno.EEXIST)
	ErrNotDirectory = fmt.Errorf("memfs: not a directory: %w", errno.ENOTDIR)
	ErrIsDirectory  = fmt.Errorf("memfs: is a directory: %w", errno.EISDIR)
	ErrReadOnly     = fmt.Errorf("memfs: read-only filesystem: %w", errno.EROFS)
	ErrNotEmpty     = fmt.Errorf("memfs: directory not empty: %w", errno.EBUSY)
	ErrClosed       = fmt.Errorf("memfs: file is closed: %w", errno.EBADF)
)

// memNode is a file or directory.
type memNode struct {
	mu       sync.RWMutex // protects data and mtime
	data     []byte
	isDir    bool
	children map[string]*memNode // guarded by FS.mu
	mode     os.FileMode
	mtime    time.Time
}

func newMemNode(isDir bool, perm os.FileMode) *memNode {
	n := &memNode{
		isDir: isDir,
		mode:  perm & vfs.ModePerm,
		mtime: time.Now(),
	}
	if isDir {
		n.children = make(map[string]*memNode)
		n.mode |= vfs.ModeDir
	}
	return n
}

// FS is an in-memory filesystem.
type FS struct {
	mu       sync.RWMutex // protects the tree shape
	root     *memNode
	readOnly bool
}

// New creates an empty in-memory filesystem.
func New() *FS {
	return &FS{root: newMemNode(true, 0o755)}
}

// SetReadOnly makes every later modification fail with EROFS.
func (fs *FS) SetReadOnly(ro bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readOnly = ro
}

// lookup walks path from the root. Callers hold fs.mu.
func (fs *FS) lookup(path string) (*memNode, error) {
	node := fs.root
	for _, part := range vfs.Components(path) {
		if !node.isDir {
			return nil, ErrNotDirectory
		}
		child, ok := node.children[part]
		if !ok {
			return nil, ErrFileNotFound
		}
		node = child
	}
	return node, nil
}

// parent returns the directory that holds path and the final element.
// Callers hold fs.mu.
func (fs *FS) parent(path string) (*memNode, string, error) {
	dir, base := vfs.Split(path)
	if base == "" {
		return nil, "", vfs.ErrInvalidPath
	}
	node, err := fs.lookup(dir)
	if err != nil {
		return nil, "", err
	}
	if !node.isDir {
		return nil, "", ErrNotDirectory
	}
	return node, base, nil
}

// OpenFile implements vfs.FileSystem.OpenFile.
func (fs *FS) OpenFile(path string, flags int, perm os.FileMode) (vfs.Vnode, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	path = vfs.Clean(path)
	writable := vfs.Writable(flags)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly && (writable || flags&(vfs.O_CREAT|vfs.O_TRUNC) != 0) {
		return nil, ErrReadOnly
	}

	node, err := fs.lookup(path)
	switch {
	case err == nil:
		if flags&vfs.O_CREAT != 0 && flags&vfs.O_EXCL != 0 {
			return nil, ErrFileExists
		}
		if node.isDir {
			if writable {
				return nil, ErrIsDirectory
			}
			break
		}
		if flags&vfs.O_TRUNC != 0 && writable {
			node.mu.Lock()
			node.data = nil
			node.mtime = time.Now()
			node.mu.Unlock()
		}

	case errors.Is(err, ErrFileNotFound) && flags&vfs.O_CREAT != 0:
		dir, base, perr := fs.parent(path)
		if perr != nil {
			return nil, perr
		}
		node = newMemNode(false, perm)
		dir.children[base] = node

	default:
		return nil, err
	}

	return &memFile{node: node, name: vfs.Base(path), flags: flags}, nil
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}
	path = vfs.Clean(path)

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return node.info(vfs.Base(path)), nil
}

// Mkdir implements vfs.FileSystem.Mkdir.
func (fs *FS) Mkdir(path string, perm os.FileMode) error {
	return fs.mkdir(path, perm, false)
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	return fs.mkdir(path, perm, true)
}

func (fs *FS) mkdir(path string, perm os.FileMode, parents bool) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return ErrReadOnly
	}

	parts := vfs.Components(path)
	current := fs.root
	for i, part := range parts {
		child, ok := current.children[part]
		if ok {
			if !child.isDir {
				return ErrNotDirectory
			}
			if i == len(parts)-1 && !parents {
				return ErrFileExists
			}
			current = child
			continue
		}
		if !parents && i < len(parts)-1 {
			return ErrFileNotFound
		}
		child = newMemNode(true, perm)
		current.children[part] = child
		current = child
	}
	return nil
}

// Remove implements vfs.FileSystem.Remove.
func (fs *FS) Remove(path string) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	path = vfs.Clean(path)
	if path == "/" {
		return fmt.Errorf("memfs: cannot remove root: %w", errno.EINVAL)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return ErrReadOnly
	}

	dir, base, err := fs.parent(path)
	if err != nil {
		return err
	}
	child, ok := dir.children[base]
	if !ok {
		return ErrFileNotFound
	}
	if child.isDir && len(child.children) > 0 {
		return ErrNotEmpty
	}
	// Open vnodes keep the node alive; only the name goes away.
	delete(dir.children, base)
	return nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	node, err := fs.lookup(vfs.Clean(path))
	fs.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if node.isDir {
		return nil, ErrIsDirectory
	}

	node.mu.RLock()
	defer node.mu.RUnlock()
	return append([]byte(nil), node.data...), nil
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	v, err := fs.OpenFile(path, vfs.O_WRONLY|vfs.O_CREAT|vfs.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := v.WriteAt(data, 0); err != nil {
		v.Close()
		return err
	}
	return v.Close()
}

func (n *memNode) info(name string) vfs.FileInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return vfs.FileInfo{
		Name:    name,
		Size:    int64(len(n.data)),
		Mode:    n.mode,
		ModTime: n.mtime,
		IsDir:   n.isDir,
	}
}

// memFile is one open of a memNode.
type memFile struct {
	node  *memNode
	name  string
	flags int

	mu     sync.Mutex
	closed bool
}

func (f *memFile) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ReadAt implements io.ReaderAt.
func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, ErrClosed
	}
	if f.node.isDir {
		return 0, ErrIsDirectory
	}
	if off < 0 {
		return 0, fmt.Errorf("memfs: negative offset: %w", errno.EINVAL)
	}

	f.node.mu.RLock()
	defer f.node.mu.RUnlock()

	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("memfs: negative offset: %w", errno.EINVAL)
	}

	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[off:], p)
	f.node.mtime = time.Now()
	return len(p), nil
}

// Close implements io.Closer. Closing twice is an error so that callers
// which close more than once are caught.
func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return nil
}

// Stat implements vfs.Vnode.
func (f *memFile) Stat() (vfs.FileInfo, error) {
	if f.isClosed() {
		return vfs.FileInfo{}, ErrClosed
	}
	return f.node.info(f.name), nil
}
