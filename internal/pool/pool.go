// Package pool implements the WorkerPool abstraction the design notes
// call for in place of the source material's cached/fixed/bounded
// thread pool distinction: one shape, parameterized by min (core) and
// max worker counts, an optional keep-alive for culling workers above
// core, and a queue that is either a handoff (core == 0, no backlog
// at all — every submit spawns a fresh goroutine), a bounded array
// queue, or an unbounded linked queue.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/namyoh/concmgr/internal/logging"
)

// ErrQueueFull is returned by Submit (and so by TrySubmit) when a
// bounded queue is at capacity. The router does not see it: admission
// backpressure is decided from Fill(), and the executors turn this
// error into a Rejected failure on the task's future.
var ErrQueueFull = errors.New("pool: queue is full")

// ErrClosed is returned by Submit/TrySubmit once the pool has started
// shutting down.
var ErrClosed = errors.New("pool: closed")

// Config parameterizes a Pool.
type Config struct {
	// Handoff, when true, ignores Core/Max/Queue entirely: every
	// submit spawns a fresh goroutine, bounded only by system
	// limits. This is the core-pool-size == 0 case for the read and
	// transaction executors.
	Handoff bool

	Core      int
	Max       int
	KeepAlive time.Duration
	Prestart  bool

	// QueueCapacity selects the backlog shape for managed (non-
	// handoff) pools: 0 or >5000 yields an unbounded linked queue,
	// anything else a bounded array queue of that size.
	QueueCapacity int
}

// Pool is a bounded-growth worker pool with pluggable queue shape.
type Pool struct {
	name string
	cfg  Config
	q    queue

	mu      sync.Mutex
	workers int
	idle    int32

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
	closed         atomic.Bool
}

// New constructs a Pool and, if Prestart is set, eagerly starts all
// core workers.
func New(name string, cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:           name,
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	if !cfg.Handoff {
		p.q = newQueue(cfg.QueueCapacity)
		if cfg.Prestart {
			for i := 0; i < cfg.Core; i++ {
				p.spawnWorker(true)
			}
		}
	}
	return p
}

// Submit enqueues fn for execution, spawning a worker if the pool is
// below its growth limit and no worker is currently idle. It never
// blocks: when a bounded queue is full it returns ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.cfg.Handoff {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			runCtx, cancel := mergeContexts(ctx, p.shutdownCtx)
			defer cancel()
			fn(runCtx)
		}()
		return nil
	}
	if !p.q.push(item{ctx: ctx, run: fn}) {
		return ErrQueueFull
	}
	p.maybeSpawnWorker()
	return nil
}

// TrySubmit is Submit, but documents at the call site that the
// caller has already checked fill level and intends to treat
// ErrQueueFull as a backpressure signal rather than a hard failure.
func (p *Pool) TrySubmit(ctx context.Context, fn func(ctx context.Context)) error {
	return p.Submit(ctx, fn)
}

func (p *Pool) maybeSpawnWorker() {
	if atomic.LoadInt32(&p.idle) > 0 {
		return
	}
	p.mu.Lock()
	if p.workers >= p.cfg.Max {
		p.mu.Unlock()
		return
	}
	core := p.workers < p.cfg.Core
	p.workers++
	p.mu.Unlock()
	p.spawnWorker(core)
}

func (p *Pool) spawnWorker(core bool) {
	p.wg.Add(1)
	go p.runWorker(core)
}

func (p *Pool) runWorker(core bool) {
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
		p.wg.Done()
	}()

	for {
		var popCtx context.Context
		var cancel context.CancelFunc
		if core || p.cfg.KeepAlive <= 0 {
			popCtx, cancel = p.shutdownCtx, func() {}
		} else {
			popCtx, cancel = context.WithTimeout(p.shutdownCtx, p.cfg.KeepAlive)
		}

		atomic.AddInt32(&p.idle, 1)
		it, ok := p.q.pop(popCtx)
		atomic.AddInt32(&p.idle, -1)
		cancel()

		if !ok {
			// Either shutting down, or (for a non-core worker) idle
			// beyond the keep-alive budget: cull it.
			return
		}

		runCtx, cancel := mergeContexts(it.ctx, p.shutdownCtx)
		it.run(runCtx)
		cancel()
	}
}

// mergeContexts returns a context that is done when either task or
// shutdown is done, so a worker honors both the submitter's own
// cancellation and an immediate pool-wide shutdown.
func mergeContexts(task, shutdown context.Context) (context.Context, context.CancelFunc) {
	if task == nil {
		task = context.Background()
	}
	ctx, cancel := context.WithCancel(task)
	stop := context.AfterFunc(shutdown, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// QueueLen reports the current backlog length. Handoff pools always
// report 0: they have no backlog by construction.
func (p *Pool) QueueLen() int {
	if p.cfg.Handoff {
		return 0
	}
	return p.q.len()
}

// QueueCap reports the queue's capacity, or -1 if unbounded or
// handoff (handoff pools skip backpressure entirely).
func (p *Pool) QueueCap() int {
	if p.cfg.Handoff {
		return -1
	}
	return p.q.cap()
}

// Fill returns QueueLen/QueueCap as a fraction in [0, 1], or 0 for an
// unbounded or handoff queue (which never need backpressure).
func (p *Pool) Fill() float64 {
	c := p.QueueCap()
	if c <= 0 {
		return 0
	}
	return float64(p.QueueLen()) / float64(c)
}

// ActiveWorkers reports the number of live worker goroutines. Always
// 0 for handoff pools, which have no persistent workers.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Shutdown drains the pool in an orderly fashion: no further submits
// are accepted, the queue (if any) is closed so workers exit once it
// drains, and Shutdown waits up to timeout (0 meaning unbounded) for
// every in-flight goroutine to finish. It returns whether the pool
// drained within the budget.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	if !p.closed.CompareAndSwap(false, true) {
		return true
	}
	if !p.cfg.Handoff {
		p.q.closeQueue()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logging.WithComponent("pool").Warn().
			Str("pool", p.name).
			Dur("timeout", timeout).
			Msg("pool did not drain within shutdown budget")
		return false
	}
}

// ShutdownNow cancels every in-flight task's context immediately (a
// best-effort, cooperative cancellation: task bodies that ignore
// ctx.Done will still run to completion) and stops accepting new
// submissions.
func (p *Pool) ShutdownNow() {
	p.closed.Store(true)
	p.shutdownCancel()
	if !p.cfg.Handoff {
		p.q.closeQueue()
	}
}

// Closed reports whether Shutdown or ShutdownNow has been called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}
