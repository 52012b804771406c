// Package overlayfs provides a layered filesystem implementation.
// It combines a read-only lower filesystem with a read-write upper filesystem,
// using copy-on-write semantics for modifications.
//
// The kernel command uses it to lay a host directory over the in-memory
// tree that holds /bin, so programs can write files without touching the
// installed images.
package overlayfs

import (
	"errors"
	"fmt"
	"os"

	"kernsim/pkg/errno"
	vfs "kernsim/pkg/vfs"
)

// whiteoutPrefix marks an upper-layer entry that hides a lower-layer one.
const whiteoutPrefix = ".wh."

// FS represents a layered filesystem with lower (read-only) and upper (read-write) layers.
type FS struct {
	upper vfs.FileSystem
	lower vfs.FileSystem
}

// New creates a new overlay filesystem with the given upper and lower layers.
// The lower layer is never written.
func New(upper, lower vfs.FileSystem) *FS {
	return &FS{upper: upper, lower: lower}
}

func notFound(err error) bool {
	return errors.Is(err, errno.ENOENT)
}

// OpenFile implements vfs.FileSystem.OpenFile.
func (fs *FS) OpenFile(path string, flags int, perm os.FileMode) (vfs.Vnode, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	path = vfs.Clean(path)

	inUpper, err := fs.exists(fs.upper, path)
	if err != nil {
		return nil, err
	}
	if inUpper {
		return fs.upper.OpenFile(path, flags, perm)
	}

	inLower, err := fs.existsInLower(path)
	if err != nil {
		return nil, err
	}
	if !inLower {
		if flags&vfs.O_CREAT == 0 {
			return nil, fmt.Errorf("overlayfs: open %s: %w", path, errno.ENOENT)
		}
		if err := fs.prepareParent(path); err != nil {
			return nil, err
		}
		v, err := fs.upper.OpenFile(path, flags, perm)
		if err != nil {
			return nil, err
		}
		fs.clearWhiteout(path)
		return v, nil
	}

	if flags&vfs.O_CREAT != 0 && flags&vfs.O_EXCL != 0 {
		return nil, fmt.Errorf("overlayfs: open %s: %w", path, errno.EEXIST)
	}
	// Read-only opens are served from the lower layer directly.
	if !vfs.Writable(flags) && flags&vfs.O_TRUNC == 0 {
		return fs.lower.OpenFile(path, flags, perm)
	}

	if err := fs.copyUp(path); err != nil {
		return nil, err
	}
	return fs.upper.OpenFile(path, flags, perm)
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}
	path = vfs.Clean(path)

	info, err := fs.upper.Stat(path)
	if err == nil || !notFound(err) {
		return info, err
	}
	if fs.isWhiteout(path) {
		return vfs.FileInfo{}, fmt.Errorf("overlayfs: stat %s: %w", path, errno.ENOENT)
	}
	return fs.lower.Stat(path)
}

// Mkdir implements vfs.FileSystem.Mkdir.
func (fs *FS) Mkdir(path string, perm os.FileMode) error {
	if ok, err := fs.existsInLower(path); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("overlayfs: mkdir %s: %w", path, errno.EEXIST)
	}
	if err := fs.prepareParent(path); err != nil {
		return err
	}
	if err := fs.upper.Mkdir(path, perm); err != nil {
		return err
	}
	fs.clearWhiteout(path)
	return nil
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	return fs.upper.MkdirAll(path, perm)
}

// Remove implements vfs.FileSystem.Remove. Entries that exist only in the
// lower layer are hidden by a whiteout.
func (fs *FS) Remove(path string) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	path = vfs.Clean(path)

	err := fs.upper.Remove(path)
	if err != nil && !notFound(err) {
		return err
	}
	removed := err == nil

	inLower, lerr := fs.existsInLower(path)
	switch {
	case lerr != nil:
		return lerr
	case inLower:
		return fs.createWhiteout(path)
	case !removed:
		return err
	}
	return nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	data, err := fs.upper.ReadFile(path)
	if err == nil || !notFound(err) {
		return data, err
	}
	if fs.isWhiteout(vfs.Clean(path)) {
		return nil, fmt.Errorf("overlayfs: read %s: %w", path, errno.ENOENT)
	}
	return fs.lower.ReadFile(path)
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	path = vfs.Clean(path)
	if err := fs.prepareParent(path); err != nil {
		return err
	}
	if err := fs.upper.WriteFile(path, data, perm); err != nil {
		return err
	}
	fs.clearWhiteout(path)
	return nil
}

func (fs *FS) exists(layer vfs.FileSystem, path string) (bool, error) {
	_, err := layer.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case notFound(err):
		return false, nil
	}
	return false, err
}

// existsInLower reports whether path is visible in the lower layer.
func (fs *FS) existsInLower(path string) (bool, error) {
	if fs.isWhiteout(vfs.Clean(path)) {
		return false, nil
	}
	return fs.exists(fs.lower, path)
}

func whiteoutPath(path string) string {
	dir, base := vfs.Split(path)
	return vfs.Clean(dir + "/" + whiteoutPrefix + base)
}

func (fs *FS) isWhiteout(path string) bool {
	ok, _ := fs.exists(fs.upper, whiteoutPath(path))
	return ok
}

func (fs *FS) createWhiteout(path string) error {
	if err := fs.prepareParent(path); err != nil {
		return err
	}
	return fs.upper.WriteFile(whiteoutPath(path), nil, 0o600)
}

func (fs *FS) clearWhiteout(path string) {
	fs.upper.Remove(whiteoutPath(path))
}

// prepareParent makes the directory holding path exist in the upper layer
// when it exists in the lower one.
func (fs *FS) prepareParent(path string) error {
	dir, _ := vfs.Split(path)
	if ok, err := fs.exists(fs.upper, dir); err != nil || ok {
		return err
	}
	info, err := fs.lower.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir {
		return fmt.Errorf("overlayfs: %s: %w", dir, errno.ENOTDIR)
	}
	return fs.upper.MkdirAll(dir, info.Mode.Perm())
}

// copyUp copies a file from the lower layer to the upper layer.
func (fs *FS) copyUp(path string) error {
	info, err := fs.lower.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir {
		return fs.upper.MkdirAll(path, info.Mode.Perm())
	}
	if err := fs.prepareParent(path); err != nil {
		return err
	}
	data, err := fs.lower.ReadFile(path)
	if err != nil {
		return err
	}
	return fs.upper.WriteFile(path, data, info.Mode.Perm())
}
