// Package task defines the unit of work scheduled by the concurrency
// manager: its classification, declared resource set, and timestamp or
// isolation key, as laid out in the data model.
package task

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Class classifies a task into one of the three scheduling regimes.
type Class int

const (
	// ReadOnly reads an immutable historical revision. Requires no
	// locking.
	ReadOnly Class = iota
	// ReadWriteTx is the active phase of a read-write transaction:
	// reads a historical snapshot, buffers writes into isolated
	// indices backed by a per-transaction temp store.
	ReadWriteTx
	// UnisolatedWrite executes directly against live mutable
	// indices and must hold locks on every named resource it
	// touches.
	UnisolatedWrite
)

func (c Class) String() string {
	switch c {
	case ReadOnly:
		return "read-only"
	case ReadWriteTx:
		return "read-write-tx"
	case UnisolatedWrite:
		return "unisolated-write"
	default:
		return "unknown"
	}
}

// Body is the work a task performs once it has been admitted and (for
// unisolated writes) has acquired its declared lock set.
type Body func(ctx context.Context) (interface{}, error)

// Task is a unit of work carrying a classification, a timestamp or
// isolation key, a declared resource set, and a completion body. A
// Task is accepted (admitted) at most once; its Resources and Class
// are final from construction onward.
type Task struct {
	ID    uuid.UUID
	Class Class

	// Revision is the historical revision to read; meaningful only
	// when Class == ReadOnly. Zero means "the last committed
	// revision".
	Revision uint64

	// TransactionID identifies the owning transaction; meaningful
	// only when Class == ReadWriteTx.
	TransactionID uint64

	// Resources is the declared set of named resources this task
	// will touch. Required for UnisolatedWrite; advisory (used for
	// per-transaction temp-store locking) for ReadWriteTx.
	Resources []string

	// SubmittedAt is set by the router at admission time, in
	// nanoseconds since the Unix epoch.
	SubmittedAt int64

	// Run is the task body.
	Run Body

	// Ctx is the caller-supplied context governing cancellation;
	// the router does not create one if the caller omits it.
	Ctx context.Context
}

// New constructs a Task with a fresh identifier. Resources are copied
// and sorted so the declared set is stable and ready for the lock
// manager's canonical ordering.
func New(class Class, resources []string, run Body) *Task {
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)
	return &Task{
		ID:        uuid.New(),
		Class:     class,
		Resources: sorted,
		Run:       run,
		Ctx:       context.Background(),
	}
}

// WithContext returns a shallow copy of t with its context replaced.
func (t *Task) WithContext(ctx context.Context) *Task {
	cp := *t
	cp.Ctx = ctx
	return &cp
}

// MarkSubmitted stamps the admission timestamp. Called exactly once,
// by the router, before routing.
func (t *Task) MarkSubmitted() {
	t.SubmittedAt = time.Now().UnixNano()
}
