// Package storage defines the small interfaces the concurrency
// manager consumes from its out-of-scope collaborators: the resource
// manager's readiness gate, and the durable commit sink a CommitGroup
// calls into for its single fsync. The concrete, embedded-store-
// backed implementation exists so the write executor has something
// real to call rather than a no-op, but the index/buffer-strategy
// logic itself is out of scope for this subsystem.
package storage

import "context"

// ResourceManager is the readiness gate the router consults before
// admitting a task (spec.md §4.A step 3: "Await resource-manager
// readiness (bounded wait)").
type ResourceManager interface {
	// AwaitRunning blocks until the store is ready to accept work or
	// ctx is done, returning whether it became ready in time.
	AwaitRunning(ctx context.Context) bool
}

// CommitRecord is everything a CommitSink needs to make one group's
// writes durable: the set of named resources touched, in lock-
// acquisition order, and an opaque payload per member supplied by
// that member's task body.
type CommitRecord struct {
	GroupID   string
	Resources []string
	Payloads  [][]byte
}

// CommitSink performs the single fsync that makes every member of a
// CommitGroup durable at once. A non-nil error aborts the whole
// group: every member fails with CommitFailed (or, if the sink wraps
// a validation conflict, with ValidationError — see errs.Kind).
type CommitSink interface {
	Commit(ctx context.Context, record CommitRecord) error
}

// AlwaysReady is a ResourceManager stub for tests and for running the
// manager ahead of a real store manager being wired in.
type AlwaysReady struct{}

func (AlwaysReady) AwaitRunning(ctx context.Context) bool { return true }

// NeverReady is a ResourceManager stub that always reports the store
// unavailable, used to exercise the Rejected("store not available")
// admission path.
type NeverReady struct{}

func (NeverReady) AwaitRunning(ctx context.Context) bool { return false }
