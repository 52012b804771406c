// Package thread provides the kernel's schedulable threads. Each thread is a
// goroutine; the Go runtime plays the part of the scheduler and its Ps play
// the part of the processors.
package thread

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// System spawns threads and keeps track of the ones still running.
type System struct {
	log    *zap.Logger
	nextID atomic.Uint64
	live   atomic.Int64
	wg     sync.WaitGroup
}

// NewSystem creates a thread system.
func NewSystem(log *zap.Logger) *System {
	if log == nil {
		log = zap.NewNop()
	}
	return &System{log: log}
}

// Thread is a kernel thread.
type Thread struct {
	// ID is unique for the lifetime of the System.
	ID uint64
	// Name is a label for logs.
	Name string

	sys  *System
	done chan struct{}
}

// Spawn starts a new thread running entry. The thread ends when entry
// returns or when it calls Exit.
func (s *System) Spawn(name string, entry func(t *Thread)) *Thread {
	t := &Thread{
		ID:   s.nextID.Inc(),
		Name: name,
		sys:  s,
		done: make(chan struct{}),
	}

	s.live.Inc()
	s.wg.Add(1)
	go t.run(entry)

	s.log.Debug("thread spawned", zap.Uint64("tid", t.ID), zap.String("name", name))
	return t
}

func (t *Thread) run(entry func(t *Thread)) {
	defer func() {
		t.sys.live.Dec()
		close(t.done)
		t.sys.wg.Done()
	}()
	entry(t)
}

// Exit terminates the calling thread. It must be called on t's own
// goroutine and does not return.
func (t *Thread) Exit() {
	t.sys.log.Debug("thread exiting", zap.Uint64("tid", t.ID), zap.String("name", t.Name))
	runtime.Goexit()
	panic("thread: return from Goexit")
}

// Done is closed once the thread has finished.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Live returns the number of threads that have not finished.
func (s *System) Live() int64 {
	return s.live.Load()
}

// Wait blocks until every spawned thread has finished.
func (s *System) Wait() {
	s.wg.Wait()
}
