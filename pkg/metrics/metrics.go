// Package metrics exposes process and descriptor table statistics to
// Prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kernsim"

// Metrics contains all kernel metrics.
type Metrics struct {
	ProcessesLive   prometheus.Gauge       // registered records that have not exited
	ProcessesZombie prometheus.Gauge       // exited records not yet reaped
	Forks           *prometheus.CounterVec // fork attempts by result
	Execs           *prometheus.CounterVec // exec attempts by result
	Exits           prometheus.Counter     // processes that called exit
	Reaps           prometheus.Counter     // records destroyed
	OpenSlots       prometheus.Gauge       // descriptor slots with a live vnode
	VnodeCloses     prometheus.Counter     // vnodes closed by last release
	FreeFrames      prometheus.Gauge       // unallocated physical frames
}

// New creates the kernel metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProcessesLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_live",
			Help:      "Processes that are registered and have not exited.",
		}),
		ProcessesZombie: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_zombie",
			Help:      "Processes that have exited but whose record is not yet reaped.",
		}),
		Forks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_total",
			Help:      "Fork calls by result.",
		}, []string{"result"}),
		Execs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execs_total",
			Help:      "Exec calls by result.",
		}, []string{"result"}),
		Exits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Processes that have called exit.",
		}),
		Reaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaps_total",
			Help:      "Process records destroyed after their last reference was dropped.",
		}),
		OpenSlots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "descriptor_slots_open",
			Help:      "Descriptor slots holding an open vnode, shared slots counted once.",
		}),
		VnodeCloses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vnode_closes_total",
			Help:      "Vnodes closed because their slot reference count reached zero.",
		}),
		FreeFrames: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_free_frames",
			Help:      "Physical frames not allocated to any address space.",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Fork records a fork attempt.
func (m *Metrics) Fork(err error) {
	if m == nil {
		return
	}
	m.Forks.WithLabelValues(result(err)).Inc()
}

// Exec records an exec attempt that returned to its caller (err != nil) or
// is about to enter the new image (err == nil).
func (m *Metrics) Exec(err error) {
	if m == nil {
		return
	}
	m.Execs.WithLabelValues(result(err)).Inc()
}

// ProcessStarted records a newly registered process.
func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.ProcessesLive.Inc()
}

// ProcessAborted undoes ProcessStarted for a record that never ran.
func (m *Metrics) ProcessAborted() {
	if m == nil {
		return
	}
	m.ProcessesLive.Dec()
}

// ProcessExited moves a process from live to zombie.
func (m *Metrics) ProcessExited() {
	if m == nil {
		return
	}
	m.Exits.Inc()
	m.ProcessesLive.Dec()
	m.ProcessesZombie.Inc()
}

// ProcessReaped records the destruction of an exited record.
func (m *Metrics) ProcessReaped() {
	if m == nil {
		return
	}
	m.Reaps.Inc()
	m.ProcessesZombie.Dec()
}

// SlotOpened records a new descriptor slot.
func (m *Metrics) SlotOpened() {
	if m == nil {
		return
	}
	m.OpenSlots.Inc()
}

// SlotClosed records a slot whose vnode was closed.
func (m *Metrics) SlotClosed() {
	if m == nil {
		return
	}
	m.OpenSlots.Dec()
	m.VnodeCloses.Inc()
}

// SetFreeFrames publishes the frame pool level.
func (m *Metrics) SetFreeFrames(n int) {
	if m == nil {
		return
	}
	m.FreeFrames.Set(float64(n))
}
