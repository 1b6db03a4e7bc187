package txexec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namyoh/concmgr/internal/errs"
	"github.com/namyoh/concmgr/internal/future"
	"github.com/namyoh/concmgr/internal/pool"
	"github.com/namyoh/concmgr/internal/task"
)

// fakeCommitter records the commit tasks it receives without actually
// running them, so tests can inspect the write-set a Commit call built.
type fakeCommitter struct {
	mu    sync.Mutex
	tasks []*task.Task
}

func (c *fakeCommitter) Submit(t *task.Task) *future.Future {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	fut := future.New()
	v, err := t.Run(t.Ctx)
	fut.Complete(v, err)
	return fut
}

func TestSameTransactionSerializesOnSameIndex(t *testing.T) {
	e := New(pool.New("tx", pool.Config{Handoff: true}), &fakeCommitter{}, nil)
	txID := e.Begin()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	var concurrent, maxConcurrent int32

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		tk := task.New(task.ReadWriteTx, []string{"idx-iso"}, func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&concurrent, -1)
			return nil, nil
		})
		tk.TransactionID = txID
		fut := e.Submit(tk)
		go func() {
			defer wg.Done()
			_, err := fut.Get(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, order, 5)
	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestDifferentTransactionsDoNotContend(t *testing.T) {
	e := New(pool.New("tx", pool.Config{Handoff: true}), &fakeCommitter{}, nil)
	tx1 := e.Begin()
	tx2 := e.Begin()

	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	run := func(txID uint64) {
		wg.Add(1)
		tk := task.New(task.ReadWriteTx, []string{"idx-iso"}, func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil, nil
		})
		tk.TransactionID = txID
		fut := e.Submit(tk)
		go func() {
			defer wg.Done()
			_, err := fut.Get(context.Background())
			require.NoError(t, err)
		}()
	}
	run(tx1)
	run(tx2)
	wg.Wait()

	require.Equal(t, int32(2), maxConcurrent, "tasks from distinct transactions must not contend on the same index name")
}

func TestCommitBuildsWriteSetAndClosesTransaction(t *testing.T) {
	committer := &fakeCommitter{}
	e := New(pool.New("tx", pool.Config{Handoff: true}), committer, nil)
	txID := e.Begin()

	for _, idx := range []string{"idx-A", "idx-B"} {
		tk := task.New(task.ReadWriteTx, []string{idx}, func(ctx context.Context) (interface{}, error) { return nil, nil })
		tk.TransactionID = txID
		fut := e.Submit(tk)
		_, err := fut.Get(context.Background())
		require.NoError(t, err)
	}

	fut, err := e.Commit(context.Background(), txID, func(ctx context.Context) (interface{}, error) { return "committed", nil })
	require.NoError(t, err)
	v, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "committed", v)

	require.Len(t, committer.tasks, 1)
	require.ElementsMatch(t, []string{"idx-A", "idx-B"}, committer.tasks[0].Resources)
	require.Equal(t, 0, e.ActiveCount())
}

func TestSubmitToUnknownTransactionRejects(t *testing.T) {
	e := New(pool.New("tx", pool.Config{Handoff: true}), &fakeCommitter{}, nil)
	tk := task.New(task.ReadWriteTx, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) { return nil, nil })
	tk.TransactionID = 999

	fut := e.Submit(tk)
	_, err := fut.Get(context.Background())
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindRejected, kind)
}
