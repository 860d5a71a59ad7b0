// Package sysstatus collapses a Snapshotter's four sample streams into a
// single binary judgement: is the system idle right now, and has it been
// idle over a longer recent window. AutoscaledPool consults the latter
// (HasBeenOkLately) on every autoscale tick.
package sysstatus

import (
	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/snapshot"
)

// Status is the result of one evaluation: an overall verdict plus the
// per-dimension ratio that produced it, useful for logging why the
// system was judged non-idle.
type Status struct {
	IsSystemIdle bool

	EventLoopOverloaded bool
	EventLoopRatio      float64
	MemoryOverloaded    bool
	MemoryRatio         float64
	CPUOverloaded       bool
	CPURatio            float64
	ClientOverloaded    bool
	ClientRatio         float64
}

// sampler is the subset of Snapshotter's read API SystemStatus needs.
// Declared here, satisfied by *snapshot.Snapshotter, so tests can supply
// a fake without spinning up real timers.
type sampler interface {
	GetEventLoopSample(sinceMillis int64) []snapshot.EventLoopSample
	GetMemorySample(sinceMillis int64) []snapshot.MemorySample
	GetCPUSample(sinceMillis int64) []snapshot.CPUSample
	GetClientSample(sinceMillis int64) []snapshot.ClientSample
}

// SystemStatus is stateless with respect to persistence: every call reads
// fresh samples from its Snapshotter.
type SystemStatus struct {
	cfg  config.SystemStatusConfig
	snap sampler
}

// New builds a SystemStatus backed by snap.
func New(cfg config.SystemStatusConfig, snap *snapshot.Snapshotter) *SystemStatus {
	return &SystemStatus{cfg: cfg, snap: snap}
}

// GetCurrentStatus evaluates the last currentHistorySecs of samples.
func (s *SystemStatus) GetCurrentStatus() Status {
	sinceMillis := s.cfg.CurrentHistory.Milliseconds()
	return s.evaluate(sinceMillis)
}

// IsOk reports whether the system is currently idle.
func (s *SystemStatus) IsOk() bool {
	return s.GetCurrentStatus().IsSystemIdle
}

// GetHistoricalStatus evaluates the full retained sample history.
func (s *SystemStatus) GetHistoricalStatus() Status {
	return s.evaluate(0)
}

// HasBeenOkLately reports whether the system has been idle over the full
// retained history.
func (s *SystemStatus) HasBeenOkLately() bool {
	return s.GetHistoricalStatus().IsSystemIdle
}

func (s *SystemStatus) evaluate(sinceMillis int64) Status {
	eventLoop := s.snap.GetEventLoopSample(sinceMillis)
	memory := s.snap.GetMemorySample(sinceMillis)
	cpu := s.snap.GetCPUSample(sinceMillis)
	client := s.snap.GetClientSample(sinceMillis)

	elRatio := overloadedRatio(len(eventLoop), countEventLoopOverloaded(eventLoop))
	memRatio := overloadedRatio(len(memory), countMemoryOverloaded(memory))
	cpuRatio := overloadedRatio(len(cpu), countCPUOverloaded(cpu))
	clientRatio := overloadedRatio(len(client), countClientOverloaded(client))

	st := Status{
		EventLoopRatio: elRatio,
		MemoryRatio:    memRatio,
		CPURatio:       cpuRatio,
		ClientRatio:    clientRatio,

		EventLoopOverloaded: elRatio > s.cfg.MaxEventLoopOverloadedRatio,
		MemoryOverloaded:    memRatio > s.cfg.MaxMemoryOverloadedRatio,
		CPUOverloaded:       cpuRatio > s.cfg.MaxCPUOverloadedRatio,
		ClientOverloaded:    clientRatio > s.cfg.MaxClientOverloadedRatio,
	}
	st.IsSystemIdle = !st.EventLoopOverloaded && !st.MemoryOverloaded && !st.CPUOverloaded && !st.ClientOverloaded
	return st
}

// overloadedRatio treats an empty sample set as OK (ratio 0), per spec.
func overloadedRatio(total, overloaded int) float64 {
	if total == 0 {
		return 0
	}
	return float64(overloaded) / float64(total)
}

func countEventLoopOverloaded(s []snapshot.EventLoopSample) int {
	n := 0
	for _, sm := range s {
		if sm.IsOverloaded {
			n++
		}
	}
	return n
}

func countMemoryOverloaded(s []snapshot.MemorySample) int {
	n := 0
	for _, sm := range s {
		if sm.IsOverloaded {
			n++
		}
	}
	return n
}

func countCPUOverloaded(s []snapshot.CPUSample) int {
	n := 0
	for _, sm := range s {
		if sm.IsOverloaded {
			n++
		}
	}
	return n
}

func countClientOverloaded(s []snapshot.ClientSample) int {
	n := 0
	for _, sm := range s {
		if sm.IsOverloaded {
			n++
		}
	}
	return n
}
