// Package vfs is the kernel's file system collaborator: the vnode interface,
// the open flags of the user ABI, and the namespace that routes names to
// devices or to the mounted root file system.
//
// # Vnodes and offsets
//
// A Vnode has no seek position. Reads and writes take an explicit offset
// supplied by the descriptor slot that owns the vnode, which is what lets
// forked processes share one position on an inherited descriptor.
//
// # Backends
//
//   - memfs: an in-memory tree, used for /bin and for tests
//   - diskfs: a directory on the host
//   - overlayfs: a writable layer over a read-only one
//
// Devices such as the console are registered by name and opened as "con:".
//
//	ns := vfs.NewNamespace(memfs.New())
//	ns.AddDevice("con", dev.NewConsole(os.Stdin, os.Stdout))
//	v, err := ns.Open("con:", vfs.O_WRONLY, 0)
package vfs
