// Package future provides the completion handle returned by submit: a
// single-assignment result/error cell that can be waited on with a
// context and cancelled before it resolves.
package future

import (
	"context"
	"sync"

	"github.com/namyoh/concmgr/internal/errs"
)

// Future is a one-shot completion handle. It is safe for concurrent
// use: multiple goroutines may call Get or Cancel; exactly one
// Complete call has effect.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	result    interface{}
	err       error
	completed bool
	cancelled bool
}

// New returns an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future with a result or error. Subsequent
// calls are no-ops: a task is accepted, executed, and resolved at
// most once.
func (f *Future) Complete(result interface{}, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.result = result
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Cancel marks the future cancelled and resolves it with a
// Cancelled error, provided it has not already resolved. It reports
// whether the cancellation took effect.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.cancelled = true
	f.err = errs.New("future", errs.KindCancelled, "cancelled before completion", nil)
	f.mu.Unlock()
	close(f.done)
	return true
}

// Cancelled reports whether this future was resolved via Cancel.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx is done, whichever
// comes first.
func (f *Future) Get(ctx context.Context) (interface{}, error) {
	if result, err, ok := f.TryGet(); ok {
		return result, err
	}
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGet returns the result immediately if resolved, without
// blocking.
func (f *Future) TryGet() (result interface{}, err error, ok bool) {
	select {
	case <-f.done:
	default:
		return nil, nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err, true
}
