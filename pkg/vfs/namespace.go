package vfs

import (
	"fmt"
	"os"
	"sync"

	"kernsim/pkg/errno"
)

// Namespace resolves the names passed to open. Names of the form "dev:" are
// looked up among the registered devices; everything else goes to the root
// file system.
type Namespace struct {
	mu      sync.RWMutex
	devices map[string]Device
	root    FileSystem
}

// NewNamespace creates a namespace with root mounted at "/". root may be nil
// until Mount is called.
func NewNamespace(root FileSystem) *Namespace {
	return &Namespace{
		devices: make(map[string]Device),
		root:    root,
	}
}

// AddDevice registers dev under name (without the trailing colon).
func (ns *Namespace) AddDevice(name string, dev Device) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.devices[name]; exists {
		return fmt.Errorf("vfs: device %s: %w", name, errno.EEXIST)
	}
	ns.devices[name] = dev
	return nil
}

// Mount replaces the root file system.
func (ns *Namespace) Mount(root FileSystem) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.root = root
}

// Root returns the mounted root file system, or nil.
func (ns *Namespace) Root() FileSystem {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.root
}

// Open opens path with the given flags.
func (ns *Namespace) Open(path string, flags int, perm os.FileMode) (Vnode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	ns.mu.RLock()
	root := ns.root
	var (
		dev   Device
		isDev bool
	)
	if name, ok := DeviceName(path); ok {
		isDev = true
		dev = ns.devices[name]
	}
	ns.mu.RUnlock()

	if isDev {
		if dev == nil {
			return nil, fmt.Errorf("vfs: open %s: %w", path, errno.ENODEV)
		}
		if path[len(path)-1] != ':' {
			// devices have no directory tree below them
			return nil, fmt.Errorf("vfs: open %s: %w", path, errno.ENOENT)
		}
		return dev.Open(flags)
	}

	if root == nil {
		return nil, fmt.Errorf("vfs: open %s: no root file system: %w", path, errno.ENOENT)
	}
	return root.OpenFile(Clean(path), flags, perm)
}
