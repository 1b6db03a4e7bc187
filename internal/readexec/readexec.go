// Package readexec implements the Read Executor: a pool for fully
// concurrent historical reads. No locking — reads see a snapshot and
// never block, or are blocked by, writers.
package readexec

import (
	"context"

	"github.com/namyoh/concmgr/internal/errs"
	"github.com/namyoh/concmgr/internal/future"
	"github.com/namyoh/concmgr/internal/pool"
	"github.com/namyoh/concmgr/internal/task"
)

// Executor runs read-only tasks against a historical revision. It holds
// no lock manager and no commit machinery: a task's result resolves as
// soon as its body returns.
type Executor struct {
	pool *pool.Pool
}

// New wraps p (core == 0 configured as an unbounded handoff pool; N > 0
// as a fixed-size pool) as a read executor.
func New(p *pool.Pool) *Executor {
	return &Executor{pool: p}
}

// Submit implements router.Executor.
func (e *Executor) Submit(t *task.Task) *future.Future {
	fut := future.New()
	err := e.pool.Submit(t.Ctx, func(ctx context.Context) {
		if ctx.Err() != nil {
			fut.Complete(nil, errs.New("readexec", errs.KindCancelled, "read task cancelled before execution", ctx.Err()))
			return
		}
		v, runErr := t.Run(ctx)
		fut.Complete(v, runErr)
	})
	if err != nil {
		fut.Complete(nil, errs.Rejected("readexec.Submit", "read pool rejected task", err))
	}
	return fut
}

// Fill implements router.Executor.
func (e *Executor) Fill() float64 {
	return e.pool.Fill()
}
