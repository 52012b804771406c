package vm

import (
	"fmt"
	"sync"

	"kernsim/pkg/errno"
	"kernsim/pkg/metrics"
)

// Memory is the pool of physical frames shared by all address spaces.
// Frames carry no identity here; the pool only accounts for them so that
// allocation can fail the way a machine with finite RAM does.
type Memory struct {
	mu      sync.Mutex
	total   int
	free    int
	metrics *metrics.Metrics
}

// NewMemory creates a pool of pages frames. m may be nil.
func NewMemory(pages int, m *metrics.Metrics) *Memory {
	mem := &Memory{total: pages, free: pages, metrics: m}
	m.SetFreeFrames(pages)
	return mem
}

// Alloc takes n frames from the pool, all or nothing.
func (m *Memory) Alloc(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.free {
		return fmt.Errorf("vm: need %d frames, %d free: %w", n, m.free, errno.ENOMEM)
	}
	m.free -= n
	m.metrics.SetFreeFrames(m.free)
	return nil
}

// Free returns n frames to the pool.
func (m *Memory) Free(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free += n
	if m.free > m.total {
		panic("vm: frame pool over-freed")
	}
	m.metrics.SetFreeFrames(m.free)
}

// FreeFrames returns the number of unallocated frames.
func (m *Memory) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free
}

// Total returns the size of the pool.
func (m *Memory) Total() int {
	return m.total
}
