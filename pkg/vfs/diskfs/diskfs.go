// Package diskfs provides a disk-based filesystem implementation.
// It exposes a host directory as the kernel's root file system so that
// user programs can be loaded from and write to real files.
package diskfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"kernsim/pkg/errno"
	vfs "kernsim/pkg/vfs"
)

// FS represents a disk-based filesystem.
type FS struct {
	root string
}

// New creates a new disk-based filesystem rooted at the given directory.
func New(root string) *FS {
	return &FS{root: filepath.Clean(root)}
}

// OpenFile implements vfs.FileSystem.OpenFile.
func (d *FS) OpenFile(path string, flags int, perm os.FileMode) (vfs.Vnode, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(d.fullPath(path), hostFlags(flags), perm)
	if err != nil {
		return nil, translate(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, translate(err)
	}
	if info.IsDir() && vfs.Writable(flags) {
		file.Close()
		return nil, fmt.Errorf("diskfs: open %s: %w", path, errno.EISDIR)
	}
	return &diskFile{file: file, path: path}, nil
}

// Stat implements vfs.FileSystem.Stat.
func (d *FS) Stat(path string) (vfs.FileInfo, error) {
	info, err := os.Stat(d.fullPath(path))
	if err != nil {
		return vfs.FileInfo{}, translate(err)
	}
	return fileInfoFromOS(info), nil
}

// Mkdir implements vfs.FileSystem.Mkdir.
func (d *FS) Mkdir(path string, perm os.FileMode) error {
	return translate(os.Mkdir(d.fullPath(path), perm))
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (d *FS) MkdirAll(path string, perm os.FileMode) error {
	return translate(os.MkdirAll(d.fullPath(path), perm))
}

// Remove implements vfs.FileSystem.Remove.
func (d *FS) Remove(path string) error {
	if vfs.Clean(path) == "/" {
		return fmt.Errorf("diskfs: cannot remove root: %w", errno.EINVAL)
	}
	return translate(os.Remove(d.fullPath(path)))
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (d *FS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(d.fullPath(path))
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (d *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return translate(os.WriteFile(d.fullPath(path), data, perm))
}

// fullPath converts a VFS path to an absolute filesystem path. Cleaning
// first keeps ".." from escaping the root.
func (d *FS) fullPath(path string) string {
	cleanPath := vfs.Clean(path)
	if cleanPath == "/" {
		return d.root
	}
	return filepath.Join(d.root, cleanPath[1:])
}

// hostFlags maps kernel open flags to os flags. O_APPEND is left out:
// the descriptor layer positions appends itself, and os.File refuses
// WriteAt on files opened for append.
func hostFlags(flags int) int {
	var f int
	switch flags & vfs.O_ACCMODE {
	case vfs.O_WRONLY:
		f = os.O_WRONLY
	case vfs.O_RDWR:
		f = os.O_RDWR
	default:
		f = os.O_RDONLY
	}
	if flags&vfs.O_CREAT != 0 {
		f |= os.O_CREATE
	}
	if flags&vfs.O_EXCL != 0 {
		f |= os.O_EXCL
	}
	if flags&vfs.O_TRUNC != 0 {
		f |= os.O_TRUNC
	}
	return f
}

// translate attaches the matching errno to a host error.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var code errno.Errno
	switch {
	case errors.As(err, &code):
		return err
	case errors.Is(err, fs.ErrNotExist):
		code = errno.ENOENT
	case errors.Is(err, fs.ErrExist):
		code = errno.EEXIST
	case errors.Is(err, fs.ErrPermission):
		code = errno.EACCES
	case errors.Is(err, syscall.ENOTDIR):
		code = errno.ENOTDIR
	case errors.Is(err, syscall.EISDIR):
		code = errno.EISDIR
	case errors.Is(err, syscall.ENOTEMPTY):
		code = errno.EBUSY
	case errors.Is(err, syscall.EROFS):
		code = errno.EROFS
	case errors.Is(err, syscall.ENAMETOOLONG):
		code = errno.ENAMETOOLONG
	default:
		code = errno.EIO
	}
	return fmt.Errorf("diskfs: %v: %w", err, code)
}

func fileInfoFromOS(info os.FileInfo) vfs.FileInfo {
	return vfs.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}

// diskFile wraps an os.File to implement vfs.Vnode.
type diskFile struct {
	file *os.File
	path string
}

func (f *diskFile) ReadAt(b []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(b, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, translate(err)
	}
	return n, err
}

func (f *diskFile) WriteAt(b []byte, off int64) (int, error) {
	n, err := f.file.WriteAt(b, off)
	return n, translate(err)
}

func (f *diskFile) Close() error {
	if err := f.file.Close(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("diskfs: close %s: %w", f.path, errno.EBADF)
		}
		return translate(err)
	}
	return nil
}

func (f *diskFile) Stat() (vfs.FileInfo, error) {
	info, err := f.file.Stat()
	if err != nil {
		return vfs.FileInfo{}, translate(err)
	}
	return fileInfoFromOS(info), nil
}
