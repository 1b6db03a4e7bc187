// Package manager wires the router, the three executors, the lock
// manager, and telemetry into the top-level concurrency manager, and
// owns its lifecycle: startup, orderly shutdown, and immediate shutdown.
package manager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/namyoh/concmgr/internal/config"
	"github.com/namyoh/concmgr/internal/future"
	"github.com/namyoh/concmgr/internal/lockmgr"
	"github.com/namyoh/concmgr/internal/logging"
	"github.com/namyoh/concmgr/internal/pool"
	"github.com/namyoh/concmgr/internal/readexec"
	"github.com/namyoh/concmgr/internal/router"
	"github.com/namyoh/concmgr/internal/storage"
	"github.com/namyoh/concmgr/internal/task"
	"github.com/namyoh/concmgr/internal/telemetry"
	"github.com/namyoh/concmgr/internal/txexec"
	"github.com/namyoh/concmgr/internal/writeexec"
)

// State is the manager's monotonic lifecycle state: Open -> Draining ->
// Closed, admissions gated by Open, per the design notes.
type State int32

const (
	Open State = iota
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Manager is the top-level concurrency manager: the single entry point
// clients submit tasks through.
type Manager struct {
	cfg *config.Config

	router      *router.Router
	readPool    *pool.Pool
	txPool      *pool.Pool
	readExec    *readexec.Executor
	txExec      *txexec.Executor
	writeExec   *writeexec.Executor
	lockMgr     *lockmgr.LockManager
	sink        storage.CommitSink
	collectors  *telemetry.Collectors
	sampler     *telemetry.QueueSampler

	state atomic.Int32
}

// New builds and starts a Manager from cfg, using resourceMgr as the
// readiness gate and sink as the durable commit barrier for the write
// executor. reg is the Prometheus registerer for telemetry.Collectors;
// pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests.
func New(cfg *config.Config, resourceMgr storage.ResourceManager, sink storage.CommitSink, reg prometheus.Registerer) *Manager {
	collectors := telemetry.NewCollectors(reg)
	lockMgr := lockmgr.New()

	readPool := newPool("read", cfg.ReadService.CorePoolSize)
	txPool := newPool("tx", cfg.TxService.CorePoolSize)
	writePool := pool.New("write", pool.Config{
		Core:          cfg.WriteService.CorePoolSize,
		Max:           cfg.WriteService.MaximumPoolSize,
		KeepAlive:     cfg.WriteService.KeepAliveTime,
		Prestart:      cfg.WriteService.PrestartAllCoreThreads,
		QueueCapacity: cfg.WriteService.QueueCapacity,
	})

	readExec := readexec.New(readPool)
	writeExec := writeexec.New(writePool, lockMgr, sink, collectors, writeexec.Config{
		GroupCommitTimeout: cfg.WriteService.GroupCommitTimeout,
	})
	txExec := txexec.New(txPool, writeExec, collectors)

	r := router.New(router.Config{
		Backpressure: router.BackpressurePolicy{
			Enabled:   cfg.Backpressure.Enabled,
			Threshold: cfg.Backpressure.Threshold,
			Delay:     cfg.Backpressure.Delay,
		},
	}, resourceMgr, readExec, txExec, writeExec, collectors)

	m := &Manager{
		cfg:        cfg,
		router:     r,
		readPool:   readPool,
		txPool:     txPool,
		readExec:   readExec,
		txExec:     txExec,
		writeExec:  writeExec,
		lockMgr:    lockMgr,
		sink:       sink,
		collectors: collectors,
	}

	if cfg.CollectQueueStatistics {
		m.sampler = telemetry.NewQueueSampler(collectors, time.Second, writePool.QueueLen)
		m.sampler.Start()
	}

	logging.WithComponent("manager").Info().Str("config", cfg.String()).Msg("concurrency manager started")
	return m
}

func newPool(name string, corePoolSize int) *pool.Pool {
	if corePoolSize <= 0 {
		return pool.New(name, pool.Config{Handoff: true})
	}
	return pool.New(name, pool.Config{Core: corePoolSize, Max: corePoolSize, QueueCapacity: 0})
}

// Submit admits a task. See router.Router.Submit.
func (m *Manager) Submit(ctx context.Context, t *task.Task) (*future.Future, error) {
	return m.router.Submit(ctx, t)
}

// SubmitAll admits every task and waits for all results.
func (m *Manager) SubmitAll(ctx context.Context, tasks []*task.Task) []router.Result {
	return m.router.SubmitAll(ctx, tasks)
}

// SubmitAllTimeout admits every task and waits up to timeout for all
// results, cancelling the rest when it elapses.
func (m *Manager) SubmitAllTimeout(ctx context.Context, tasks []*task.Task, timeout time.Duration) []router.Result {
	return m.router.SubmitAllTimeout(ctx, tasks, timeout)
}

// IsOpen reports whether the manager still accepts admissions.
func (m *Manager) IsOpen() bool {
	return State(m.state.Load()) == Open
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Router returns the inner task router, for diagnostics and tests.
func (m *Manager) Router() *router.Router { return m.router }

// WriteExecutor returns the inner write executor, for diagnostics and
// tests.
func (m *Manager) WriteExecutor() *writeexec.Executor { return m.writeExec }

// LockManager returns the inner lock manager, for diagnostics and tests.
func (m *Manager) LockManager() *lockmgr.LockManager { return m.lockMgr }

// GetCounters returns a consistent snapshot of telemetry counters.
func (m *Manager) GetCounters() telemetry.Snapshot {
	if m.sampler == nil {
		return telemetry.Snapshot{}
	}
	return m.sampler.Snapshot()
}

// Shutdown performs an orderly shutdown, per the lifecycle component:
// mark closed, drain the tx pool, then the read pool, then the write
// pool (letting its current commit group finish), then stop the
// sampler. The overall wait is bounded by timeout (0 meaning
// unbounded); it logs, per pool, whether it drained within budget.
func (m *Manager) Shutdown(timeout time.Duration) {
	if !m.state.CompareAndSwap(int32(Open), int32(Draining)) {
		return
	}
	m.router.Close()

	deadline := deadlineFrom(timeout)
	log := logging.WithComponent("manager")

	drain := func(name string, shutdown func(time.Duration) bool) {
		start := time.Now()
		drained := shutdown(remaining(deadline))
		ev := log.Info()
		if !drained {
			ev = log.Warn()
		}
		ev.Str("pool", name).Dur("elapsed", time.Since(start)).Bool("drained", drained).Msg("pool shutdown")
	}
	drain("tx", m.txPool.Shutdown)
	drain("read", m.readPool.Shutdown)
	drain("write", m.writeExec.Shutdown)
	if m.sampler != nil {
		m.sampler.Shutdown()
	}

	m.state.Store(int32(Closed))
	log.Info().Msg("concurrency manager shut down")
}

// ShutdownNow cancels every in-flight task immediately (best-effort,
// cooperative) and stops the sampler.
func (m *Manager) ShutdownNow() {
	if !m.state.CompareAndSwap(int32(Open), int32(Closed)) {
		m.state.Store(int32(Closed))
	}
	m.router.Close()

	m.txPool.ShutdownNow()
	m.readPool.ShutdownNow()
	m.writeExec.ShutdownNow()
	if m.sampler != nil {
		m.sampler.Shutdown()
	}
	logging.WithComponent("manager").Warn().Msg("concurrency manager shut down immediately")
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	left := time.Until(deadline)
	if left < 0 {
		return time.Millisecond
	}
	return left
}
