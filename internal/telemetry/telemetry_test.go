package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorsRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	require.NotNil(t, c)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestQueueSamplerComputesEWMAs(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	depth := 5
	s := NewQueueSampler(c, 20*time.Millisecond, func() int { return depth })
	s.RecordArrival()
	s.RecordArrival()
	s.RecordService(10 * time.Millisecond)

	s.Start()
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.QueueDepthEWMA > 0
	}, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	require.Greater(t, snap.ArrivalRateEWMA, 0.0)
	require.Greater(t, snap.QueueDepthEWMA, 0.0)
}

func TestQueueSamplerShutdownStopsGoroutine(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	s := NewQueueSampler(c, 10*time.Millisecond, func() int { return 0 })
	s.Start()
	s.Shutdown()
	// A second Shutdown-adjacent call must not hang or panic: Snapshot
	// after shutdown still returns the last computed values.
	_ = s.Snapshot()
}
