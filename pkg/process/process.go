package process

import (
	"sync"

	"kernsim/pkg/fdtable"
	"kernsim/pkg/thread"
	"kernsim/pkg/vm"
)

// Process is a running user program: an address space, a descriptor table
// and the thread executing in them. It is destroyed at exit; the Record
// survives it until the parent has collected the status.
type Process struct {
	rec    *Record
	kernel *Kernel

	// execMu serializes exec within this process.
	execMu sync.Mutex

	mu     sync.Mutex // protects the fields below
	name   string
	as     *vm.AddrSpace
	files  *fdtable.Table
	thread *thread.Thread
}

// Pid returns the process id.
func (p *Process) Pid() int32 { return p.rec.Pid }

// Ppid returns the parent's pid.
func (p *Process) Ppid() int32 { return p.rec.Ppid() }

// Record returns the process's exit-status record.
func (p *Process) Record() *Record { return p.rec }

// Kernel returns the kernel the process runs on.
func (p *Process) Kernel() *Kernel { return p.kernel }

// Name returns the path of the image the process is running.
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// AddrSpace returns the current address space, or nil after exit.
func (p *Process) AddrSpace() *vm.AddrSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.as
}

// Files returns the descriptor table, or nil after exit.
func (p *Process) Files() *fdtable.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files
}

// Thread returns the thread bound to the process.
func (p *Process) Thread() *thread.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.thread
}

func (p *Process) attach(t *thread.Thread) {
	p.mu.Lock()
	p.thread = t
	p.mu.Unlock()
}

// detach takes everything the process owns away from it.
func (p *Process) detach() (*vm.AddrSpace, *fdtable.Table) {
	p.mu.Lock()
	defer p.mu.Unlock()
	as, files := p.as, p.files
	p.as, p.files, p.thread = nil, nil, nil
	return as, files
}

// swap installs a new image and returns the old address space.
func (p *Process) swap(name string, as *vm.AddrSpace) *vm.AddrSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.as
	p.as = as
	p.name = name
	return old
}
