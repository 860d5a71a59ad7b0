package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/events"
)

func testConfig() config.SnapshotterConfig {
	c := config.Default().Snapshotter
	c.EventLoopSnapshotInterval = 10 * time.Millisecond
	c.MemorySnapshotInterval = 10 * time.Millisecond
	c.CPUSnapshotInterval = 10 * time.Millisecond
	c.ClientSnapshotInterval = 10 * time.Millisecond
	c.SnapshotHistory = time.Second
	return c
}

func TestSnapshotter_StartStopNoDanglingGoroutines(t *testing.T) {
	s := New(testConfig())
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.NotEmpty(t, s.GetMemorySample(0), "expected at least one memory sample to have been recorded")
}

func TestSnapshotter_EvictsOldSamples(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotHistory = 20 * time.Millisecond
	s := New(cfg)
	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	samples := s.GetMemorySample(0)
	cutoff := time.Now().Add(-cfg.SnapshotHistory - 20*time.Millisecond)
	for _, sm := range samples {
		assert.Falsef(t, sm.CreatedAt.Before(cutoff), "sample at %v should have been evicted (cutoff %v)", sm.CreatedAt, cutoff)
	}
}

func TestSnapshotter_MemoryOverloadAgainstTinyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemoryBytes = 1 // any real allocation exceeds this
	s := New(cfg)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	samples := s.GetMemorySample(0)
	require.NotEmpty(t, samples, "expected memory samples")
	assert.True(t, samples[0].IsOverloaded, "expected overload against a 1-byte limit")
}

func TestSnapshotter_PlatformModeConsumesBusEvents(t *testing.T) {
	var bus events.Bus
	cfg := testConfig()
	s := New(cfg, WithCPUMode(CPUModePlatform), WithEventBus(&bus))
	s.Start(context.Background())

	bus.Emit(events.NewSystemInfo(true, time.Now(), 0.99))
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	samples := s.GetCPUSample(0)
	found := false
	for _, sm := range samples {
		if sm.IsOverloaded {
			found = true
		}
	}
	assert.True(t, found, "expected a platform-mode overloaded CPU sample from the bus event")
}

type fakeClientSource struct{ buckets []int }

func (f fakeClientSource) RetryBuckets() []int { return f.buckets }

func TestSnapshotter_ClientOverloadAboveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClientErrors = 2
	s := New(cfg, WithClientErrorSource(fakeClientSource{buckets: []int{100, 1, 5}}))
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	samples := s.GetClientSample(0)
	require.NotEmpty(t, samples, "expected client samples")
	assert.True(t, samples[len(samples)-1].IsOverloaded, "expected client overload: retries beyond bucket 0 (6) exceed maxClientErrors (2)")
}

func TestSnapshotter_ClientOkWithNoSource(t *testing.T) {
	s := New(testConfig())
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	samples := s.GetClientSample(0)
	for _, sm := range samples {
		assert.False(t, sm.IsOverloaded, "expected OK when no client error source is configured")
	}
}
