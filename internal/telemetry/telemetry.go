// Package telemetry holds the concurrency manager's Prometheus
// collectors and the periodic sampler that turns raw counters into
// exponentially weighted moving averages of queue depth, arrival
// rate, and service time, per the lifecycle & telemetry component's
// sampler design. Telemetry is optional (collectQueueStatistics) and
// never affects correctness.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/namyoh/concmgr/internal/logging"
)

// Collectors bundles every metric the manager publishes. Counters use
// atomic increments internally (prometheus.Counter/Gauge are already
// safe for concurrent use); the sampler is the single writer for the
// EWMA gauges.
type Collectors struct {
	AdmissionsTotal   *prometheus.CounterVec
	ActiveTx          prometheus.Gauge
	QueueDepth        *prometheus.GaugeVec
	LockWaitSeconds   prometheus.Histogram
	CommitGroupSize   prometheus.Histogram
	CommitLatency     prometheus.Histogram
	FsyncsTotal       prometheus.Counter
	GroupsAbortedTotal prometheus.Counter

	arrivalRateEWMA prometheus.Gauge
	serviceTimeEWMA prometheus.Gauge
	queueDepthEWMA  prometheus.Gauge
}

// NewCollectors constructs and registers every collector against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concmgr_admissions_total",
			Help: "Total admission decisions by outcome.",
		}, []string{"outcome"}),
		ActiveTx: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concmgr_active_transactions",
			Help: "Number of currently active read-write transactions.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "concmgr_queue_depth",
			Help: "Current backlog length by pool.",
		}, []string{"pool"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concmgr_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a named-resource lock.",
			Buckets: prometheus.DefBuckets,
		}),
		CommitGroupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concmgr_commit_group_size",
			Help:    "Number of tasks coalesced into a single commit group.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concmgr_commit_latency_seconds",
			Help:    "Latency of the durable commit call per group.",
			Buckets: prometheus.DefBuckets,
		}),
		FsyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concmgr_fsyncs_total",
			Help: "Total number of durable commit calls issued.",
		}),
		GroupsAbortedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concmgr_commit_groups_aborted_total",
			Help: "Total number of commit groups that aborted.",
		}),
		arrivalRateEWMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concmgr_arrival_rate_ewma",
			Help: "Exponentially weighted moving average of task arrival rate (tasks/sec).",
		}),
		serviceTimeEWMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concmgr_service_time_ewma_seconds",
			Help: "Exponentially weighted moving average of write-task service time.",
		}),
		queueDepthEWMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concmgr_queue_depth_ewma",
			Help: "Exponentially weighted moving average of the write queue depth.",
		}),
	}

	reg.MustRegister(
		c.AdmissionsTotal, c.ActiveTx, c.QueueDepth, c.LockWaitSeconds,
		c.CommitGroupSize, c.CommitLatency, c.FsyncsTotal, c.GroupsAbortedTotal,
		c.arrivalRateEWMA, c.serviceTimeEWMA, c.queueDepthEWMA,
	)
	return c
}

// QueueSampler is a periodic, single-writer task that observes the
// write queue once per tick, updating EWMAs of queue depth, arrival
// rate, and service time. The tick period is the configured interval
// stretched by a fixed 1/7 (see jitter); every sampler built with the
// same interval ticks at the same period.
type QueueSampler struct {
	collectors *Collectors
	interval   time.Duration
	alpha      float64

	queueLenFn func() int

	mu           sync.Mutex
	lastArrivals int64
	lastService  time.Duration
	serviceCount int64
	arrivalEWMA  float64
	serviceEWMA  float64
	depthEWMA    float64

	stop chan struct{}
	done chan struct{}
}

// NewQueueSampler builds a sampler. queueLenFn is polled once per
// tick to update the depth EWMA; RecordArrival/RecordService feed the
// other two.
func NewQueueSampler(collectors *Collectors, interval time.Duration, queueLenFn func() int) *QueueSampler {
	return &QueueSampler{
		collectors: collectors,
		interval:   interval,
		alpha:      0.3,
		queueLenFn: queueLenFn,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RecordArrival increments the tick's arrival count; call once per
// admitted write task.
func (s *QueueSampler) RecordArrival() {
	s.mu.Lock()
	s.lastArrivals++
	s.mu.Unlock()
}

// RecordService folds one task's service time into the running
// average for the current tick.
func (s *QueueSampler) RecordService(d time.Duration) {
	s.mu.Lock()
	s.lastService += d
	s.serviceCount++
	s.mu.Unlock()
}

// Start launches the sampler goroutine.
func (s *QueueSampler) Start() {
	go s.run()
}

func (s *QueueSampler) run() {
	defer close(s.done)
	ticker := time.NewTicker(jitter(s.interval))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *QueueSampler) tick() {
	s.mu.Lock()
	arrivals := float64(s.lastArrivals) / jitter(s.interval).Seconds()
	var avgService time.Duration
	if s.serviceCount > 0 {
		avgService = s.lastService / time.Duration(s.serviceCount)
	}
	s.lastArrivals = 0
	s.lastService = 0
	s.serviceCount = 0
	s.mu.Unlock()

	depth := float64(0)
	if s.queueLenFn != nil {
		depth = float64(s.queueLenFn())
	}

	s.mu.Lock()
	s.arrivalEWMA = ewma(s.arrivalEWMA, arrivals, s.alpha)
	s.serviceEWMA = ewma(s.serviceEWMA, avgService.Seconds(), s.alpha)
	s.depthEWMA = ewma(s.depthEWMA, depth, s.alpha)
	arrivalEWMA, serviceEWMA, depthEWMA := s.arrivalEWMA, s.serviceEWMA, s.depthEWMA
	s.mu.Unlock()

	s.collectors.arrivalRateEWMA.Set(arrivalEWMA)
	s.collectors.serviceTimeEWMA.Set(serviceEWMA)
	s.collectors.queueDepthEWMA.Set(depthEWMA)

	logging.WithComponent("telemetry").Debug().
		Float64("arrivalRateEWMA", arrivalEWMA).
		Float64("serviceTimeEWMA", serviceEWMA).
		Float64("queueDepthEWMA", depthEWMA).
		Msg("queue sample")
}

// Snapshot is a consistent, point-in-time read of the sampler's
// current EWMAs, returned as a single struct so readers never see a
// mix of pre- and post-update values (the "double-buffered or lock-
// guarded" guidance from the design notes).
type Snapshot struct {
	ArrivalRateEWMA   float64
	ServiceTimeEWMA   time.Duration
	QueueDepthEWMA    float64
}

// Snapshot returns the current EWMAs.
func (s *QueueSampler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ArrivalRateEWMA: s.arrivalEWMA,
		ServiceTimeEWMA: time.Duration(s.serviceEWMA * float64(time.Second)),
		QueueDepthEWMA:  s.depthEWMA,
	}
}

// Shutdown stops the sampler goroutine and waits for it to exit.
func (s *QueueSampler) Shutdown() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func ewma(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// jitter stretches d by a fixed 1/7 (about 14%), matching the design
// notes' guidance that the group-commit and sampling timers are
// logical, not wall-clock-precise.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// A fixed, deterministic nudge rather than math/rand: no PRNG, and
	// so no variation between samplers or between ticks.
	return d + d/7
}
