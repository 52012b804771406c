package process

import (
	"sync"
	"time"
)

// NoParent is the parent pid of a record whose parent has exited.
const NoParent int32 = -1

// Record is the part of a process that outlives it: the pid, the parent,
// and the exit status. A parent waits on the record's condition variable.
//
// A record is reference counted. The process holds one reference until it
// exits, the parent holds one until it collects the status or exits, and
// every blocked waiter holds one while it sleeps. The record is reaped
// when the count reaches zero.
type Record struct {
	// Pid never changes.
	Pid int32

	mu        sync.Mutex
	cond      *sync.Cond
	ppid      int32
	state     State
	code      int
	collected bool
	refs      int
	parentRef bool
	created   time.Time
	exited    time.Time
}

func newRecord(pid, ppid int32) *Record {
	r := &Record{
		Pid:       pid,
		ppid:      ppid,
		state:     StateRunning,
		refs:      2,
		parentRef: true,
		created:   time.Now(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Ppid returns the parent pid, or NoParent once the parent has exited.
func (r *Record) Ppid() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ppid
}

// State returns the lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Refs returns the current reference count.
func (r *Record) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Lifetime returns how long the process ran, or has been running.
func (r *Record) Lifetime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return time.Since(r.created)
	}
	return r.exited.Sub(r.created)
}

// release drops one reference and reports whether it was the last, in
// which case the record is now reaped. Callers hold r.mu.
func (r *Record) release() bool {
	r.refs--
	switch {
	case r.refs > 0:
		return false
	case r.refs < 0:
		panic("process: record released more often than referenced")
	}
	r.transition(StateReaped)
	return true
}

// publish records the exit status, wakes every waiter and drops the
// process's own reference.
func (r *Record) publish(code int) (reaped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transition(StateExited)
	r.code = code
	r.exited = time.Now()
	r.cond.Broadcast()
	return r.release()
}

// disown drops the parent's reference because the parent is exiting.
func (r *Record) disown(parent int32) (reaped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ppid != parent || !r.parentRef {
		return false
	}
	r.ppid = NoParent
	r.parentRef = false
	return r.release()
}

// wait blocks until r has exited and collects its status on behalf of
// parent. Only the first collector gets the status; anyone after it gets
// ErrNoSuchProcess.
func (r *Record) wait(parent int32) (code int, reaped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.state == StateReaped:
		return 0, false, ErrNoSuchProcess
	case r.ppid != parent:
		return 0, false, ErrNotChild
	case r.collected:
		return 0, false, ErrNoSuchProcess
	}

	r.refs++
	for r.state == StateRunning {
		r.cond.Wait()
	}
	last := r.release()

	// Another waiter got here first, or the parent was disowned while
	// asleep. Only then can the waiter reference have been the last.
	if r.collected || !r.parentRef {
		return 0, last, ErrNoSuchProcess
	}
	r.collected = true
	r.parentRef = false
	return r.code, r.release(), nil
}

// abort destroys a record whose process never ran.
func (r *Record) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = 0
	r.parentRef = false
	r.transition(StateReaped)
}
