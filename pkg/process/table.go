package process

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"kernsim/pkg/errno"
	"kernsim/pkg/klog"
	"kernsim/pkg/metrics"
)

// Process table errors.
var (
	ErrTooManyProcesses = fmt.Errorf("process: too many processes: %w", errno.ENPROC)
	ErrNoSuchProcess    = fmt.Errorf("process: no such process: %w", errno.ESRCH)
	ErrNotChild         = fmt.Errorf("process: not a child of the caller: %w", errno.ECHILD)
)

// Table maps pids to records. Lookups go straight to the concurrent map;
// allocation and removal are serialized by mu so that the capacity check
// and the pid choice are atomic.
type Table struct {
	records *xsync.Map[int32, *Record]

	mu       sync.Mutex
	count    int
	last     int32
	pidMin   int32
	pidMax   int32
	maxProcs int

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewTable creates a table handing out pids in [pidMin, pidMax] with at
// most maxProcs records registered at once.
func NewTable(pidMin, pidMax int32, maxProcs int, log *zap.Logger, m *metrics.Metrics) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		records:  xsync.NewMap[int32, *Record](),
		last:     pidMin - 1,
		pidMin:   pidMin,
		pidMax:   pidMax,
		maxProcs: maxProcs,
		log:      log,
		metrics:  m,
	}
}

// Alloc registers a new running record whose parent is ppid.
func (t *Table) Alloc(ppid int32) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.maxProcs {
		return nil, ErrTooManyProcesses
	}

	span := t.pidMax - t.pidMin + 1
	pid := t.last
	for i := int32(0); i < span; i++ {
		pid++
		if pid > t.pidMax || pid < t.pidMin {
			pid = t.pidMin
		}
		if _, taken := t.records.Load(pid); taken {
			continue
		}
		r := newRecord(pid, ppid)
		t.records.Store(pid, r)
		t.count++
		t.last = pid
		t.metrics.ProcessStarted()
		return r, nil
	}
	return nil, ErrTooManyProcesses
}

// Lookup returns the record registered for pid.
func (t *Table) Lookup(pid int32) (*Record, bool) {
	return t.records.Load(pid)
}

// InRange reports whether pid can ever be allocated.
func (t *Table) InRange(pid int32) bool {
	return pid >= t.pidMin && pid <= t.pidMax
}

// Len returns the number of registered records, zombies included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Range calls f for every registered record until f returns false.
func (t *Table) Range(f func(r *Record) bool) {
	t.records.Range(func(_ int32, r *Record) bool {
		return f(r)
	})
}

// reap unregisters a record whose last reference is gone and frees its pid.
func (t *Table) reap(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.records.Load(r.Pid); !ok || cur != r {
		panic("process: reaping a record that is not registered")
	}
	t.records.Delete(r.Pid)
	t.count--
	t.metrics.ProcessReaped()
	t.log.Debug("record reaped", klog.Pid(r.Pid))
}

// abort unregisters a record whose process never ran.
func (t *Table) abort(r *Record) {
	r.abort()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Delete(r.Pid)
	t.count--
	t.metrics.ProcessAborted()
}

// Wait blocks until pid exits and collects its exit code for parent.
// Errors: ErrNoSuchProcess for a pid out of range, unknown, or already
// collected; ErrNotChild when parent is not the recorded parent.
func (t *Table) Wait(parent, pid int32) (int, error) {
	if !t.InRange(pid) {
		return 0, ErrNoSuchProcess
	}
	r, ok := t.Lookup(pid)
	if !ok {
		return 0, ErrNoSuchProcess
	}
	code, reaped, err := r.wait(parent)
	if reaped {
		t.reap(r)
	}
	return code, err
}

// exited publishes the exit status of r and reaps it if nobody else
// holds it.
func (t *Table) exited(r *Record, code int) {
	t.metrics.ProcessExited()
	if r.publish(code) {
		t.reap(r)
	}
}

// disown drops parent's interest in each of its children.
func (t *Table) disown(parent int32) {
	var children []*Record
	t.Range(func(r *Record) bool {
		if r.Ppid() == parent {
			children = append(children, r)
		}
		return true
	})
	for _, r := range children {
		if r.disown(parent) {
			t.reap(r)
		}
	}
}
