package vfs

import (
	"io"
	"os"
	"time"
)

// Vnode is an open file or device. It carries no position of its own: the
// descriptor slot that owns it supplies the offset of every transfer, so a
// single vnode can be shared by several descriptors.
type Vnode interface {
	// ReadAt reads up to len(p) bytes starting at off. Devices without a
	// notion of position ignore off.
	io.ReaderAt

	// WriteAt writes p starting at off.
	io.WriterAt

	// Close releases the vnode. It is called exactly once, by the last
	// descriptor slot referring to it.
	io.Closer

	// Stat describes the underlying object.
	Stat() (FileInfo, error)
}

// FileSystem is a mountable tree of files.
//
// Implementations include MemFS (in-memory) and DiskFS (a host directory).
type FileSystem interface {
	// OpenFile opens the file at path. flags is a combination of the O_*
	// constants in this package; perm is used when O_CREAT creates the file.
	OpenFile(path string, flags int, perm os.FileMode) (Vnode, error)

	// Stat returns a FileInfo describing the file at path.
	Stat(path string) (FileInfo, error)

	// Mkdir creates a new directory at path.
	Mkdir(path string, perm os.FileMode) error

	// MkdirAll creates a directory at path and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Remove removes the file or empty directory at path.
	Remove(path string) error

	// ReadFile reads the entire file at path.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to the file at path, creating or truncating it.
	WriteFile(path string, data []byte, perm os.FileMode) error
}

// Device is a named kernel device such as the console.
type Device interface {
	// Open returns a vnode for one open of the device.
	Open(flags int) (Vnode, error)
}

// FileInfo describes a file and is returned by Stat.
type FileInfo struct {
	Name    string      // Base name of the file
	Size    int64       // Length in bytes for regular files
	Mode    os.FileMode // File mode bits
	ModTime time.Time   // Modification time
	IsDir   bool        // True if path is a directory
}

// Open flags. The values are the kernel ABI seen by user programs.
const (
	O_RDONLY  = 0  // Open read-only.
	O_WRONLY  = 1  // Open write-only.
	O_RDWR    = 2  // Open read-write.
	O_ACCMODE = 3  // Mask for the access mode.
	O_CREAT   = 4  // Create the file if it does not exist.
	O_EXCL    = 8  // With O_CREAT: the file must not exist.
	O_TRUNC   = 16 // Truncate to zero length.
	O_APPEND  = 32 // Every write goes to the end of the file.
)

// FileMode bit masks.
const (
	ModeDir        = os.ModeDir
	ModeCharDevice = os.ModeDevice | os.ModeCharDevice
	ModePerm       = os.ModePerm
)

// Readable reports whether flags permit reading.
func Readable(flags int) bool {
	mode := flags & O_ACCMODE
	return mode == O_RDONLY || mode == O_RDWR
}

// Writable reports whether flags permit writing.
func Writable(flags int) bool {
	mode := flags & O_ACCMODE
	return mode == O_WRONLY || mode == O_RDWR
}
