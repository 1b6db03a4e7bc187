// Package txexec implements the Transaction Executor: the active phase of
// read-write transactions. It reads from a historical snapshot, buffers
// writes into per-transaction isolated indices guarded by per-transaction
// temp-store locks, and on commit request submits an unisolated commit
// task to the Write Executor.
package txexec

import (
	"context"
	"sync"

	"github.com/namyoh/concmgr/internal/errs"
	"github.com/namyoh/concmgr/internal/future"
	"github.com/namyoh/concmgr/internal/logging"
	"github.com/namyoh/concmgr/internal/pool"
	"github.com/namyoh/concmgr/internal/task"
	"github.com/namyoh/concmgr/internal/telemetry"
)

// Committer is the Write Executor, as seen by the transaction executor: it
// accepts the unisolated commit task a transaction produces on Commit.
type Committer interface {
	Submit(t *task.Task) *future.Future
}

// txState tracks one open transaction's write-set and the exclusive
// per-index locks its own tasks have taken on it. Only tasks within the
// same transaction ever contend for these locks; across transactions
// there is no contention because each transaction has its own isolated
// index set.
type txState struct {
	id uint64

	mu        sync.Mutex
	indexLock map[string]*sync.Mutex
	writeSet  map[string]struct{}
}

func newTxState(id uint64) *txState {
	return &txState{id: id, indexLock: make(map[string]*sync.Mutex), writeSet: make(map[string]struct{})}
}

func (s *txState) lockFor(index string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.indexLock[index]
	if !ok {
		l = &sync.Mutex{}
		s.indexLock[index] = l
	}
	s.writeSet[index] = struct{}{}
	return l
}

func (s *txState) indexNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.writeSet))
	for name := range s.writeSet {
		names = append(names, name)
	}
	return names
}

// Executor runs the active phase of read-write transactions on a
// configurable pool (core == 0 meaning an unbounded handoff pool, same
// pool shapes as the Read Executor) and tracks active transactions so
// Begin/Commit/Rollback can serialize per-index access within one
// transaction.
type Executor struct {
	pool       *pool.Pool
	committer  Committer
	collectors *telemetry.Collectors

	mu    sync.Mutex
	txns  map[uint64]*txState
	nextID uint64
}

// New constructs a transaction executor backed by p, submitting commit
// tasks to committer.
func New(p *pool.Pool, committer Committer, collectors *telemetry.Collectors) *Executor {
	return &Executor{
		pool:       p,
		committer:  committer,
		collectors: collectors,
		txns:       make(map[uint64]*txState),
	}
}

// Begin opens a new transaction and returns its identifier.
func (e *Executor) Begin() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.txns[id] = newTxState(id)
	if e.collectors != nil {
		e.collectors.ActiveTx.Inc()
	}
	return id
}

func (e *Executor) state(id uint64) (*txState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.txns[id]
	return s, ok
}

// Submit implements router.Executor: it dispatches a read-write-tx class
// task into the transaction pool, serializing it against any other task
// in the same transaction that touches the same isolated index.
func (e *Executor) Submit(t *task.Task) *future.Future {
	fut := future.New()
	state, ok := e.state(t.TransactionID)
	if !ok {
		fut.Complete(nil, errs.New("txexec.Submit", errs.KindRejected, "unknown or closed transaction", nil))
		return fut
	}

	err := e.pool.Submit(t.Ctx, func(ctx context.Context) {
		unlock := e.acquireIsolated(state, t.Resources)
		defer unlock()

		if ctx.Err() != nil {
			fut.Complete(nil, errs.New("txexec", errs.KindCancelled, "transaction task cancelled before execution", ctx.Err()))
			return
		}
		v, runErr := t.Run(ctx)
		if runErr != nil {
			fut.Complete(nil, runErr)
			return
		}
		fut.Complete(v, nil)
	})
	if err != nil {
		fut.Complete(nil, errs.Rejected("txexec.Submit", "transaction pool rejected task", err))
	}
	return fut
}

// Fill implements router.Executor.
func (e *Executor) Fill() float64 {
	return e.pool.Fill()
}

// acquireIsolated locks every resource in resources, in canonical order,
// against the transaction's own index locks (never against other
// transactions' state), returning a function that releases them all.
func (e *Executor) acquireIsolated(state *txState, resources []string) func() {
	locks := make([]*sync.Mutex, 0, len(resources))
	for _, r := range resources {
		l := state.lockFor(r)
		l.Lock()
		locks = append(locks, l)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Commit builds the unisolated commit task carrying the transaction's
// write-set index names and submits it to the Write Executor, which
// performs validation and merge as any other unisolated writer. The
// caller's ctx governs the commit task's execution.
func (e *Executor) Commit(ctx context.Context, txID uint64, body task.Body) (*future.Future, error) {
	state, ok := e.state(txID)
	if !ok {
		return nil, errs.New("txexec.Commit", errs.KindRejected, "unknown or already-closed transaction", nil)
	}

	commitTask := task.New(task.UnisolatedWrite, state.indexNames(), body)
	commitTask.TransactionID = txID
	commitTask.Ctx = ctx

	e.closeTx(txID)

	logging.WithComponent("txexec").Debug().
		Uint64("txID", txID).
		Int("resources", len(commitTask.Resources)).
		Msg("transaction commit submitted")

	return e.committer.Submit(commitTask), nil
}

// Rollback discards a transaction's buffered writes without submitting a
// commit task.
func (e *Executor) Rollback(txID uint64) {
	e.closeTx(txID)
}

func (e *Executor) closeTx(txID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.txns[txID]; ok {
		delete(e.txns, txID)
		if e.collectors != nil {
			e.collectors.ActiveTx.Dec()
		}
	}
}

// ActiveCount reports the number of currently open transactions.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.txns)
}
