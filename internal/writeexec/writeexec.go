// Package writeexec implements the Write Executor and its group-commit
// state machine: the bounded-growth pool for unisolated writers on live
// mutable indices, the named-resource lock acquisition step, and the
// single-writer commit-group coordinator that amortizes the fsync cost
// across concurrently finishing writers.
package writeexec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/namyoh/concmgr/internal/errs"
	"github.com/namyoh/concmgr/internal/future"
	"github.com/namyoh/concmgr/internal/lockmgr"
	"github.com/namyoh/concmgr/internal/logging"
	"github.com/namyoh/concmgr/internal/pool"
	"github.com/namyoh/concmgr/internal/storage"
	"github.com/namyoh/concmgr/internal/task"
	"github.com/namyoh/concmgr/internal/telemetry"
)

// member is one task that finished execution and is waiting for its
// commit group to resolve. It still holds its locks.
type member struct {
	ownerID   uuid.UUID
	resources []string
	value     interface{}
	future    *future.Future
	assigned  chan *commitGroup
}

// commitGroup is the set of finished unisolated tasks coalesced into one
// durable commit. States FORMING/COMMITTING are implicit in the
// committer's control flow; DONE/ABORTED are represented by resolved
// closing with err == nil or non-nil.
type commitGroup struct {
	id       string
	members  []*member
	resolved chan struct{}
	err      error
}

// Config parameterizes the write executor's group-commit behavior. Pool
// shape itself is configured on the underlying pool.Pool the caller
// constructs and passes to New.
type Config struct {
	// GroupCommitTimeout is T_g: how long the first-finished task of a
	// forming group waits for others to join. 0 disables grouping:
	// every task commits alone.
	GroupCommitTimeout time.Duration
}

// Executor runs unisolated write tasks: it acquires every declared
// resource's lock (in canonical order, via lockmgr), executes the task
// body, and then parks the worker goroutine until the group it joins
// resolves, releasing locks and completing the future only then.
type Executor struct {
	pool       *pool.Pool
	lockMgr    *lockmgr.LockManager
	sink       storage.CommitSink
	collectors *telemetry.Collectors
	cfg        Config

	finishedCh chan *member
	corruptCh  chan struct{}
	stopCh     chan struct{}
	stoppedCh  chan struct{}

	executing int32 // atomic: workers currently mid-body-execution, could still join the forming group

	inflight sync.WaitGroup
}

// New constructs a write executor backed by p, using lockMgr for
// named-resource locking and sink as the durable commit barrier. It
// starts the committer goroutine immediately.
func New(p *pool.Pool, lockMgr *lockmgr.LockManager, sink storage.CommitSink, collectors *telemetry.Collectors, cfg Config) *Executor {
	e := &Executor{
		pool:       p,
		lockMgr:    lockMgr,
		sink:       sink,
		collectors: collectors,
		cfg:        cfg,
		finishedCh: make(chan *member),
		corruptCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
	go e.runCommitter()
	return e
}

// Submit implements router.Executor: it enqueues t on the write pool.
func (e *Executor) Submit(t *task.Task) *future.Future {
	fut := future.New()
	err := e.pool.Submit(t.Ctx, func(ctx context.Context) {
		e.inflight.Add(1)
		defer e.inflight.Done()
		e.execute(ctx, t, fut)
	})
	if err != nil {
		fut.Complete(nil, errs.Rejected("writeexec.Submit", "write pool rejected task", err))
	}
	return fut
}

// Fill implements router.Executor.
func (e *Executor) Fill() float64 {
	return e.pool.Fill()
}

// LockManager returns the lock manager backing this executor, for
// diagnostics and tests.
func (e *Executor) LockManager() *lockmgr.LockManager {
	return e.lockMgr
}

func (e *Executor) execute(ctx context.Context, t *task.Task, fut *future.Future) {
	owner := t.ID
	lockStart := time.Now()
	acquired, err := e.lockMgr.AcquireAll(ctx, owner, t.Resources)
	if e.collectors != nil {
		e.collectors.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())
	}
	if err != nil {
		// Cancelled while waiting for a lock: locks never acquired.
		fut.Complete(nil, err)
		return
	}

	atomic.AddInt32(&e.executing, 1)
	v, runErr := t.Run(ctx)
	atomic.AddInt32(&e.executing, -1)

	if runErr != nil {
		e.lockMgr.ReleaseAll(owner, acquired)
		if errors.Is(runErr, errs.ErrLockSetCorrupted) {
			select {
			case e.corruptCh <- struct{}{}:
			default:
			}
		}
		fut.Complete(nil, runErr)
		return
	}

	m := &member{
		ownerID:   owner,
		resources: acquired,
		value:     v,
		future:    fut,
		assigned:  make(chan *commitGroup, 1),
	}

	// Joining a forming group is not cancellable: once execution has
	// finished, the task is a group member until the group resolves.
	e.finishedCh <- m
	g := <-m.assigned
	<-g.resolved
}

// runCommitter is the single-writer state machine owned by the write
// pool: workers post "I am done" (finishedCh) or "corrupted" (corruptCh)
// messages; this loop applies the group-formation rule, issues the
// durable commit, and broadcasts completion.
func (e *Executor) runCommitter() {
	defer close(e.stoppedCh)

	var current *commitGroup
	var timer *time.Timer
	var timerC <-chan time.Time

	closeCurrent := func(forceErr error) {
		if current == nil {
			return
		}
		g := current
		current = nil
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerC = nil
		go e.commit(g, forceErr)
	}

	for {
		select {
		case m := <-e.finishedCh:
			if current == nil {
				current = &commitGroup{id: uuid.NewString(), resolved: make(chan struct{})}
				if e.cfg.GroupCommitTimeout > 0 {
					timer = time.NewTimer(jitter(e.cfg.GroupCommitTimeout))
					timerC = timer.C
				}
			}
			current.members = append(current.members, m)
			m.assigned <- current

			switch {
			case e.cfg.GroupCommitTimeout <= 0:
				// Grouping disabled: every task commits alone.
				closeCurrent(nil)
			case atomic.LoadInt32(&e.executing) == 0:
				// No worker still executing could join this group, and
				// (since the pool has no new admissions once closed) an
				// empty queue implies the same: close now rather than
				// waiting out the timer.
				closeCurrent(nil)
			}

		case <-timerC:
			closeCurrent(nil)

		case <-e.corruptCh:
			// Live index state is corrupted: abort the current forming
			// group as a whole, per the write executor's exception
			// handling rule.
			closeCurrent(errs.ErrLockSetCorrupted)

		case <-e.stopCh:
			// The pool has drained: finish (not abort) whatever group is
			// still forming, then exit.
			closeCurrent(nil)
			return
		}
	}
}

// commit performs the group's single durable commit (or, if forceErr is
// set, skips straight to the failure path) and fans the release-locks
// and complete-future step out across every member, bounded to the
// group's own lifetime.
func (e *Executor) commit(g *commitGroup, forceErr error) {
	defer close(g.resolved)

	commitErr := forceErr
	var latency time.Duration
	if commitErr == nil {
		start := time.Now()
		record := storage.CommitRecord{
			GroupID:   g.id,
			Resources: unionResources(g.members),
			Payloads:  payloads(g.members),
		}
		commitErr = e.sink.Commit(context.Background(), record)
		latency = time.Since(start)
	}

	logEvent := logging.WithComponent("writeexec").Info().
		Str("groupID", g.id).
		Int("size", len(g.members)).
		Dur("latency", latency)
	if commitErr != nil {
		logEvent.Err(commitErr).Msg("commit group aborted")
	} else {
		logEvent.Msg("commit group committed")
	}

	if e.collectors != nil {
		e.collectors.CommitGroupSize.Observe(float64(len(g.members)))
		e.collectors.CommitLatency.Observe(latency.Seconds())
		if commitErr != nil {
			e.collectors.GroupsAbortedTotal.Inc()
		} else {
			e.collectors.FsyncsTotal.Inc()
		}
	}

	g.err = commitErr
	failKind := errs.KindCommitFailed
	if k, ok := errs.KindOf(commitErr); ok && k == errs.KindValidation {
		failKind = errs.KindValidation
	}

	var eg errgroup.Group
	for _, m := range g.members {
		m := m
		eg.Go(func() error {
			e.lockMgr.ReleaseAll(m.ownerID, m.resources)
			if commitErr != nil {
				m.future.Complete(nil, errs.New("writeexec.commit", failKind, "commit group aborted", commitErr))
			} else {
				m.future.Complete(m.value, nil)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// Shutdown drains the underlying pool in an orderly fashion (letting any
// currently forming group finish and commit, per the lifecycle
// component's write-pool shutdown step), then stops the committer.
func (e *Executor) Shutdown(timeout time.Duration) bool {
	drained := e.pool.Shutdown(timeout)
	e.inflight.Wait()
	close(e.stopCh)
	<-e.stoppedCh
	return drained
}

// ShutdownNow cancels in-flight task contexts immediately. A worker
// already past execution and waiting on its group's resolution is not
// cancelled by this call — that slot is not cancellable once queued into
// a forming group, per the design notes' resolution of that open
// question — so this still waits for outstanding groups to resolve
// naturally.
func (e *Executor) ShutdownNow() {
	e.pool.ShutdownNow()
	e.inflight.Wait()
	close(e.stopCh)
	<-e.stoppedCh
}

func unionResources(members []*member) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range members {
		for _, r := range m.resources {
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				out = append(out, r)
			}
		}
	}
	return out
}

func payloads(members []*member) [][]byte {
	out := make([][]byte, len(members))
	for i, m := range members {
		if b, ok := m.value.([]byte); ok {
			out[i] = b
		}
	}
	return out
}

// jitter applies a deterministic ~14% stretch to the group-commit timer,
// matching the design notes' guidance that this timer is logical, not
// wall-clock-precise.
func jitter(d time.Duration) time.Duration {
	return d + d/7
}
